// Package workflow orchestrates one TokenSwarm run: generate sub-accounts,
// fund them one by one from the funding account, deploy an asset through the
// factory, buy it from every sub-account concurrently and audit the resulting
// balances.
//
// The funding account is the only serialized resource. Funding and deployment
// run on the driver goroutine one transaction at a time; purchases are signed
// by independent keys and fan out.
package workflow
