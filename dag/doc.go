// Package dag builds and executes conditional pipelines.
//
// A pipeline is a graph of nodes. A Step runs an executable that consumes
// named outputs of earlier steps (OutputRef) and produces its own named
// outputs. A ConditionStep reads scalar fields from JSON reports written by
// earlier steps, ANDs its conditions together and expands exactly one of its
// two branches into the run. Nodes of the branch that was not taken never
// exist in that run.
//
// Construction validates the whole graph up front:
//
//	g, err := dag.Build("etl", params,
//		&dag.Step{ID: "extract", Run: "./extract.sh", Outputs: []string{"report"}},
//		&dag.ConditionStep{
//			ID:         "gate",
//			Conditions: []dag.Condition{{Left: dag.PropertyFile{StepID: "extract", Output: "report", Path: "rows"}, Op: dag.OpGT, Right: dag.Literal(dag.Number(0))}},
//			If:         []dag.Node{&dag.Step{ID: "load", Run: "./load.sh"}},
//		},
//	)
//
// A Graph is immutable and can be executed any number of times:
//
//	exec := dag.NewExecutor(dag.NewProcessRunner(dag.ProcessConfig{WorkDir: dir}, log),
//		dag.WithLogger(log),
//		dag.WithMaxParallel(4),
//	)
//	result, err := exec.Execute(ctx, g, map[string]any{"threshold": 0.6})
//
// Independent nodes run concurrently. Cancellation is graceful: in-flight
// steps finish, nothing new is admitted.
package dag
