package dag

// This file documents the resolution of SPEC_FULL.md §4.9's Open Question
// on where a node's commit-state slot should live.
//
// Source and processor nodes get a freshly created, dedicated kv.Env at
// WorkDir/nodes/<handle>/state.db (NewExecutor's default path) — they hold
// no data of their own, so a small private environment just for their
// checkpoint is the simplest option.
//
// A sink is different: it already owns a kv.Env for the data it's
// materializing (an oplog.Log's environment, or a cache's). Giving it a
// second, independent environment for its checkpoint would let the two
// drift — a process could crash after the sink's data commit but before its
// checkpoint commit, or vice versa, and on restart the sink would either
// replay operations it already applied or skip ones it didn't durably
// finish applying.
//
// A sink can instead open its checkpoint in the SAME kv.Env as its data,
// via WithNodeEnv(handle, sinkEndpoint.Env()) passed to NewExecutor. Both
// the oplog's sub-databases and the "checkpoint" sub-database this package
// creates then live in one bbolt file. That does not merge the two
// commits: Checkpoint.Persist always runs its own write transaction
// (env.Update), so the checkpoint commits separately from the sink's data
// writes, and Persist cannot be called from inside another write
// transaction on the same env (bbolt admits one writer at a time, so the
// nested call would block forever). Checkpoint.Persist is idempotent for a
// given epoch: it overwrites the same key with the same bytes.
