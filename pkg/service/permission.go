package service

import "context"

// Permission is a set of operations a caller may perform
type Permission int

const (
	// PermGetNetworkInfo allows reading data connection state
	PermGetNetworkInfo Permission = 1 << iota
	// PermSetTelephonyState allows changing switches and connections
	PermSetTelephonyState

	PermAll = PermGetNetworkInfo | PermSetTelephonyState
)

type permissionKey struct{}

// WithPermissions attaches the permissions of the caller to ctx. A context
// without permissions belongs to an in-process caller and may do anything.
func WithPermissions(ctx context.Context, p Permission) context.Context {
	return context.WithValue(ctx, permissionKey{}, p)
}

func checkPermission(ctx context.Context, want Permission) error {
	p, ok := ctx.Value(permissionKey{}).(Permission)
	if !ok || p&want == want {
		return nil
	}
	return ErrPermissionDenied
}
