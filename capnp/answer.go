package capnp

// immediateAnswer is an already-resolved successful Answer.
type immediateAnswer struct{ r Result }

// ImmediateAnswer returns an Answer that is already resolved to r.
// Used wherever a result is available synchronously, e.g. a bootstrap
// interface constructed locally.
func ImmediateAnswer(r Result) Answer { return immediateAnswer{r} }

func (a immediateAnswer) Struct() (Result, error) { return a.r, nil }
func (a immediateAnswer) WhenResolved(cb func())  { cb() }
func (a immediateAnswer) Finish()                 {}

func (a immediateAnswer) Cap(transform []PipelineOp) Cap {
	c, err := resolveCap(a.r, transform)
	if err != nil {
		return ErrorCap(err)
	}
	return c
}

func (a immediateAnswer) PipelineCall(transform []PipelineOp, call *Call) Answer {
	c, err := resolveCap(a.r, transform)
	if err != nil {
		return ErrorAnswer(err)
	}
	ans := c.Call(call)
	c.DecRef()
	return ans
}

// errorAnswer is an already-resolved failed Answer.
type errorAnswer struct{ err error }

// ErrorAnswer returns an Answer that is already resolved to err.
func ErrorAnswer(err error) Answer { return errorAnswer{err} }

func (a errorAnswer) Struct() (Result, error) { return Result{}, a.err }
func (a errorAnswer) WhenResolved(cb func())  { cb() }
func (a errorAnswer) Finish()                 {}
func (a errorAnswer) Cap([]PipelineOp) Cap    { return ErrorCap(a.err) }
func (a errorAnswer) PipelineCall(_ []PipelineOp, _ *Call) Answer {
	return ErrorAnswer(a.err)
}

// resolveCap walks transform into r's content, returning the
// capability addressed by the final field.  r.Content is expected to
// implement FieldAccessor.  If it does not, only the empty transform on
// a result carrying exactly one capability is accepted, and it returns
// that capability.  This package does not interpret schema layout (an
// external concern).
func resolveCap(r Result, transform []PipelineOp) (Cap, error) {
	fa, ok := r.Content.(FieldAccessor)
	if !ok {
		if len(transform) == 0 && len(r.Caps) == 1 {
			return r.Caps[0].IncRef(), nil
		}
		return nil, ErrCapHasNoFields
	}
	cur := fa
	var cap_ Cap
	for i, op := range transform {
		v, ok := cur.Field(op.Field)
		if !ok {
			return nil, ErrCapHasNoFields
		}
		if c, ok := v.(Cap); ok && i == len(transform)-1 {
			cap_ = c
			break
		}
		next, ok := v.(FieldAccessor)
		if !ok {
			return nil, ErrCapHasNoFields
		}
		cur = next
	}
	if cap_ == nil {
		return nil, ErrCapHasNoFields
	}
	return cap_.IncRef(), nil
}

// FieldAccessor is implemented by application content that supports
// pipelining: Field returns the value (a Cap, or a nested
// FieldAccessor) of the numbered pointer field.
type FieldAccessor interface {
	Field(index uint16) (interface{}, bool)
}
