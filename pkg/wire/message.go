package wire

// Message is a tagged variant: Code selects which of the following fields
// are meaningful. A tagged struct replaces an untyped list-of-values wire
// format (opcode or response code first, followed by loosely-typed
// arguments); Go has no dynamically-typed list primitive worth reaching for
// here, so each variant gets a named field instead.
type Message struct {
	Code Code

	TID    string // transaction id: most opcodes and the start-transaction reply
	NodeID int    // INITIATE_PARTICIPANT: originating coordinator's node id
	SQL    string // INSERT_FROM_CLIENT, INSERT_FROM_COORDINATOR: statement to apply
	Key    string // INSERT_FROM_CLIENT: hash-routing key
}

// Op builds a message carrying only an opcode, no arguments.
func Op(code Code) Message {
	return Message{Code: code}
}

// Response builds a message carrying only a response code, no arguments.
func Response(code Code) Message {
	return Message{Code: code}
}
