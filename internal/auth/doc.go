// Package auth provides HS256 JWT verification and HTTP bearer-token
// middleware for the supervisor's API surfaces.
package auth
