// Package testutil provides test fixtures, a controllable clock and HTTP
// request helpers for the api-guard packages.
package testutil
