// Package audit defines the analysis data model, the status DAG, the stage
// error taxonomy, and the interfaces shared by the pipeline components.
package audit
