package rpc

import (
	"golang.org/x/net/context"

	"github.com/captp-core/captp/capnp"
)

// MessageKind discriminates the Cap'n Proto RPC Level-1 frames this
// engine recognizes.  Frame bodies are carried pre-decoded: encoding
// them onto a byte stream is the Transport's job (spec §1: "the
// wire-format codec for individual message frames" is an external
// collaborator).
type MessageKind int

const (
	MsgUnimplemented MessageKind = iota
	MsgAbort
	MsgBootstrap
	MsgCall
	MsgReturn
	MsgFinish
	MsgRelease
	MsgDisembargo
)

func (k MessageKind) String() string {
	switch k {
	case MsgUnimplemented:
		return "unimplemented"
	case MsgAbort:
		return "abort"
	case MsgBootstrap:
		return "bootstrap"
	case MsgCall:
		return "call"
	case MsgReturn:
		return "return"
	case MsgFinish:
		return "finish"
	case MsgRelease:
		return "release"
	case MsgDisembargo:
		return "disembargo"
	default:
		return "unknown"
	}
}

// Message is one Cap'n Proto RPC frame.  Only the field group matching
// Kind is meaningful.
type Message struct {
	Kind MessageKind

	Bootstrap  BootstrapMessage
	Call       CallMessage
	Return     ReturnMessage
	Finish     FinishMessage
	Release    ReleaseMessage
	Disembargo DisembargoMessage
	Abort      AbortMessage

	// Original is set on an Unimplemented message: the frame the peer
	// claims not to understand, so the other side can react.
	Original *Message
}

// BootstrapMessage asks for the peer's main interface.
type BootstrapMessage struct {
	QuestionID uint32
}

// CallMessageTargetKind discriminates a Call's target.
type CallMessageTargetKind int

const (
	TargetImportedCap CallMessageTargetKind = iota
	TargetPromisedAnswer
)

// MessageTarget identifies the recipient of a Call.
type MessageTarget struct {
	Kind CallMessageTargetKind

	// ImportedCap is meaningful when Kind == TargetImportedCap: the id
	// the sender believes names one of the receiver's exports.
	ImportedCap uint32

	// PromisedAnswer is meaningful when Kind == TargetPromisedAnswer:
	// a pipelined call against the (possibly still in flight) answer
	// to an earlier question.
	PromisedAnswer PromisedAnswerTarget
}

// PromisedAnswerTarget addresses a capability field of a call result
// that may not have returned yet.
type PromisedAnswerTarget struct {
	QuestionID uint32
	Transform  []capnp.PipelineOp
}

// CallMessage invokes a method on Target.
type CallMessage struct {
	QuestionID  uint32
	InterfaceID uint64
	MethodID    uint16
	Target      MessageTarget
	Params      Payload
}

// ReturnKind discriminates how a call completed.
type ReturnKind int

const (
	ReturnResults ReturnKind = iota
	ReturnException
	ReturnCanceled
)

// ReturnMessage is the answer to a Call or Bootstrap question.
type ReturnMessage struct {
	AnswerID         uint32
	ReleaseParamCaps bool
	Kind             ReturnKind
	Results          Payload
	Exception        Exception
}

// FinishMessage tells the peer a question's answer is no longer
// wanted.
type FinishMessage struct {
	QuestionID        uint32
	ReleaseResultCaps bool
}

// ReleaseMessage gives back reference counts on a capability the peer
// exported to us.
type ReleaseMessage struct {
	ID             uint32
	ReferenceCount uint32
}

// DisembargoContextKind discriminates the two Disembargo shapes.
type DisembargoContextKind int

const (
	DisembargoSenderLoopback DisembargoContextKind = iota
	DisembargoReceiverLoopback
)

// DisembargoMessage drains the pipeline before a loopback-resolved
// capability starts accepting ordinary local calls.
type DisembargoMessage struct {
	Context DisembargoContextKind
	ID      uint32
	// Target must be a PromisedAnswer for DisembargoSenderLoopback. A
	// DisembargoReceiverLoopback reply echoes the request's Target, and
	// its receiver ignores it.
	Target MessageTarget
}

// AbortMessage tears down the connection.
type AbortMessage struct {
	Exception Exception
}

// Payload is a call's parameters or a return's results: an opaque,
// already-decoded application value plus the capabilities it carries
// (pre-translation, see CapDescriptor).
type Payload struct {
	Content  interface{}
	CapTable []CapDescriptor
}

// CapDescriptorKind discriminates how a capability is represented on
// the wire, relative to the sender of the message it's embedded in.
type CapDescriptorKind int

const (
	DescNone CapDescriptorKind = iota
	DescSenderHosted
	DescSenderPromise
	DescReceiverHosted
	DescReceiverAnswer
	DescThirdPartyHosted
)

// CapDescriptor is one entry of a Payload's capability table.
type CapDescriptor struct {
	Kind CapDescriptorKind

	// ID is meaningful for DescSenderHosted, DescSenderPromise,
	// DescReceiverHosted, and DescThirdPartyHosted.
	ID uint32

	// ReceiverAnswer is meaningful for DescReceiverAnswer.
	ReceiverAnswer PromisedAnswerTarget
}

// Exception is the Level-1 wire representation of an error.
type Exception struct {
	Reason string
}

func (e Exception) Error() string { return "rpc exception: " + e.Reason }

// Transport is the byte-level collaborator this engine consumes: a
// reliable, ordered channel of already-decoded frames.  Producing a
// real implementation (encoding frames to/from the standard
// rpc.capnp schema over a stream) is explicitly out of scope for this
// core (spec §1); rpc/internal/pipetransport provides an in-process
// stand-in used by the test suite, and rpc/internal/logtransport wraps
// any Transport for diagnostic tracing.
type Transport interface {
	SendMessage(ctx context.Context, m Message) error
	RecvMessage(ctx context.Context) (Message, error)
	Close() error
}
