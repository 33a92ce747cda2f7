// Package checkpoint persists phase execution snapshots so a suspended run
// can resume without repeating or losing work.
//
// Checkpoints are JSON files named <phaseId>_CHECKPOINT_<sequence>.json in the
// store directory, each with a Markdown handoff companion. Writes go to a
// temporary file that is renamed into place, so a crash never leaves a
// partial checkpoint visible. Restore consumes a checkpoint by moving it into
// archive/; a consumed checkpoint cannot be restored again.
//
// The store also keeps one run state file per plan under state/, rewritten on
// every phase transition and read by the status command.
package checkpoint
