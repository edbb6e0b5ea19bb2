// Package redis provides the cross-process lock that keeps two workflow runs
// from spending from the same funding account at the same time.
package redis
