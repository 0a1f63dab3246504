// Package llm defines the generation collaborator contract and the prompt
// helpers built on it: query rewriting, hypothetical-document generation,
// and structured-query generation.
//
// Expansion, HyDE and SQL generation each degrade to a defined fallback
// value; they never abort the answer pipeline.
package llm

import "context"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
)

// Message is one turn of model input.
type Message struct {
	Role Role
	Text string
}

// System, User and Model build messages of the respective role.
func System(text string) Message { return Message{Role: RoleSystem, Text: text} }
func User(text string) Message   { return Message{Role: RoleUser, Text: text} }
func Model(text string) Message  { return Message{Role: RoleModel, Text: text} }

// Generator produces model completions. Implemented by the genai adapter;
// tests substitute a scripted fake.
type Generator interface {
	// Complete returns the full response text.
	Complete(ctx context.Context, msgs []Message) (string, error)

	// CompleteStream invokes cb for every response fragment and returns
	// the concatenated text. A cb error or context cancellation stops
	// generation and is returned.
	CompleteStream(ctx context.Context, msgs []Message, cb func(text string) error) (string, error)
}
