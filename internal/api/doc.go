// Package api is the REST client for the Helix API.
//
// Every call runs through an auth.Gate: a request rejected with status 400
// or 401 is retried once with a replaced credential, so a single token
// expiry is invisible to the caller. Server errors and rate limiting (5xx
// and 429) are retried separately with jittered exponential backoff.
//
// Endpoints:
//   - Helix: https://api.twitch.tv/helix
//   - Token validation: https://id.twitch.tv/oauth2/validate
package api
