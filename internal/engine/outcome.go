package engine

// outcomeKind tags the result of one step execution. The main loop switches
// on this tag instead of multiplexing control flow through error types.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeSkipped
	outcomeRetry
	outcomeContinue
	outcomeJump
	outcomeHalt
)

// outcome is the tagged result of executing one step.
type outcome struct {
	kind   outcomeKind
	output map[string]any // success only
	target string         // jump only
	err    error          // continue, halt
}

func success(output map[string]any) outcome {
	return outcome{kind: outcomeSuccess, output: output}
}

func skipped() outcome { return outcome{kind: outcomeSkipped} }

func retryStep() outcome { return outcome{kind: outcomeRetry} }

func continueAfter(err error) outcome {
	return outcome{kind: outcomeContinue, err: err}
}

func jumpTo(target string, err error) outcome {
	return outcome{kind: outcomeJump, target: target, err: err}
}

func halt(err error) outcome { return outcome{kind: outcomeHalt, err: err} }
