// Package api exposes the authorization engine, the super-admin console and
// organization role administration over HTTP for internal callers.
//
// The gateway in front of keystone authenticates users and forwards the
// principal in the X-Keystone-User, X-Keystone-Organization and
// X-Keystone-Guard headers. Every administrative route is gated by
// authz.Middleware; a refusal is always a bare 403 "Forbidden".
//
// # Routes
//
//	POST   /v1/authorize
//	GET    /v1/console/users/{id}/roles
//	GET    /v1/console/users/{id}/grants
//	POST   /v1/console/users/{id}/roles
//	DELETE /v1/console/users/{id}/roles/{role_id}
//	GET    /v1/organizations/{org_id}/roles
//	PUT    /v1/organizations/{org_id}/roles/{name}
//	DELETE /v1/organizations/{org_id}/roles/{name}
//	POST   /v1/organizations/{org_id}/roles/{name}/permissions
//	POST   /v1/organizations/{org_id}/roles/{name}/activation
//	PUT    /v1/organizations/{org_id}/roles/{name}/members/{user_id}
//	DELETE /v1/organizations/{org_id}/roles/{name}/members/{user_id}
package api
