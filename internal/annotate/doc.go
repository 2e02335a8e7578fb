// Package annotate adapts externally computed per-cell labels and scores into
// cell table columns.
//
// Clustering, doublet classification, and cell-cycle scoring are provided by
// collaborators outside this module; the adapters here only validate their
// output shape and write it into the table. TagFile covers the common case
// where those collaborators ran earlier and left a cell_id,value file behind.
package annotate
