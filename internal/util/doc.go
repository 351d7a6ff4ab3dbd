// Package util provides small helpers shared by the api-guard packages:
// truncation and masking of values before they reach logs, and IP address
// classification for audit records.
package util
