// Package raymond is a workflow orchestrator that chains invocations of an
// external coding agent into multi-step state machines with explicit
// context-transfer semantics.
//
// A workflow is a directory of state files (the scope directory). Each state
// is either a prompt (a .md file interpreted by the external coding agent) or
// a script (.sh on POSIX, .bat on Windows) executed directly. A state
// declares where control goes next by emitting exactly one transition tag in
// its output:
//
//	<goto>NEXT.md</goto>                           continue in the same session
//	<reset>FRESH.md</reset>                        continue with a fresh session
//	<call return="AFTER.md">SUB.md</call>          push a return frame, branch the session
//	<function return="AFTER.md">SUB.md</function>  like call, but the child starts fresh
//	<fork next="LOOP.md" item="x">WORK.md</fork>   spawn a parallel agent
//	<result>payload</result>                       pop a frame, or terminate
//
// # Quick start
//
//	st, err := file.New(docDir)
//	...
//	runner := raymond.NewRunner(st, coder.New(),
//		raymond.WithLogger(logger),
//		raymond.WithModel("sonnet"),
//	)
//	doc, err := raymond.NewWorkflow("build-42", scopeDir, "PLAN.md", 5.00)
//	...
//	err = runner.Run(ctx, doc)
//
// # Core pieces
//
//   - [ParseTransitions] — extract transition tags from state output
//   - [Policy] — optional per-state frontmatter restricting transitions
//   - [ResolveState] — map an abstract state name to a concrete file
//   - [Store] — persistence with crash recovery (store/file, store/sqlite, store/postgres)
//   - [Bus] — synchronous typed event bus feeding the observers in observer/
//   - [Coder] — the external coding agent contract (coder/ drives the real CLI)
//   - [Runner] — the concurrent multi-agent scheduler
package raymond
