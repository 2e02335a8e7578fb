// Package countmatrix holds raw per-cell, per-feature count matrices and
// loads them from disk.
//
// A Matrix is immutable once built. Cells are addressed by barcode and
// features by name; QC metrics read library sizes, detected-feature counts,
// and subset sums through the accessor methods rather than touching the
// sparse storage directly. Load understands 10x Genomics directories
// (matrix.mtx, features.tsv or genes.tsv, barcodes.tsv, optionally gzipped)
// and dense delimited files with features as rows and cells as columns.
package countmatrix
