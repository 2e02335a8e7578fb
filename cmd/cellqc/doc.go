// Command cellqc runs the cohort QC pipeline and inspects its audit history.
//
//	cellqc run                      apply the configured stages to every cohort
//	cellqc audit list               list persisted runs
//	cellqc audit show [run]         per-stage removals for one run
//	cellqc audit diff <a> <b>       compare two runs entry by entry
//	cellqc audit export [run]       dump a run as JSON or YAML
//	cellqc audit delete <run>       remove a run and its entries
//	cellqc config init|validate     manage the configuration file
//
// Run identifiers may be abbreviated to any unique prefix; "latest" selects
// the most recent run.
package main
