package wire

import (
	"bytes"
	"encoding/json"
)

// Builder accumulates one finalized response envelope. The proposing handler
// allocates it, parks it in the pending-response table, and the applier
// fills it; reuse avoids allocating a second buffer on the apply path.
type Builder struct {
	buf       bytes.Buffer
	finalized bool
}

// NewBuilder returns an empty builder
func NewBuilder() *Builder {
	return &Builder{}
}

// Reset clears the builder for reuse
func (b *Builder) Reset() {
	b.buf.Reset()
	b.finalized = false
}

// Finalized reports whether a response has been written
func (b *Builder) Finalized() bool {
	return b.finalized
}

// Bytes returns the finalized envelope. Valid until the next Reset.
func (b *Builder) Bytes() []byte {
	return b.buf.Bytes()
}

// Finalize marshals the response envelope into the builder. Calling it a
// second time without Reset overwrites the previous envelope.
func (b *Builder) Finalize(kind ResponseKind, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	envelope, err := json.Marshal(Response{Kind: kind, Body: raw})
	if err != nil {
		return err
	}
	b.buf.Reset()
	b.buf.Write(envelope)
	b.finalized = true
	return nil
}

// LoadFinalized replaces the builder contents with an envelope that was
// finalized elsewhere, typically a response forwarded from another node.
func (b *Builder) LoadFinalized(data []byte) {
	b.buf.Reset()
	b.buf.Write(data)
	b.finalized = true
}

// FinalizeError writes an error envelope carrying code
func (b *Builder) FinalizeError(code ErrorCode) {
	// Marshaling an ErrorResponse cannot fail
	_ = b.Finalize(ResponseError, ErrorResponse{Code: code})
}

// FinalizeResult writes either the given response or the error envelope for
// err.
func (b *Builder) FinalizeResult(kind ResponseKind, body interface{}, err error) {
	if err != nil {
		b.FinalizeError(CodeOf(err))
		return
	}
	if ferr := b.Finalize(kind, body); ferr != nil {
		b.FinalizeError(ErrInternal)
	}
}
