// ABOUTME: Authenticated operator identity propagated through request handlers
// ABOUTME: Provides WithOperator/FromContext for passing identity via context

package auth

import (
	"context"
)

// Operator holds the authenticated operator identity extracted from a request.
// This is populated by the auth middleware and can be retrieved from context
// in handlers.
type Operator struct {
	ID        string // stable operator identifier from the "sub" claim
	Name      string // display name, may be empty
	ChatbotID string // chatbot scope the token was issued for, may be empty
}

// operatorKey is the key type for storing Operator in context.Context.
type operatorKey struct{}

// WithOperator returns a new context with the Operator attached.
func WithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, operatorKey{}, op)
}

// FromContext retrieves the Operator from the context, returning nil if not present.
func FromContext(ctx context.Context) *Operator {
	val := ctx.Value(operatorKey{})
	if val == nil {
		return nil
	}
	op, ok := val.(*Operator)
	if !ok {
		return nil
	}
	return op
}

// MustFromContext retrieves the Operator from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Operator {
	op := FromContext(ctx)
	if op == nil {
		panic("auth: Operator not found in context")
	}
	return op
}
