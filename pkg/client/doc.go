// Package client is the Go SDK for the settlementd HTTP API.
//
// Every mutating call is made as the identity bound to the client's bearer
// token. Obtain a token from an operator (settlectl token) and attach it:
//
//	c, err := client.New("http://localhost:8080",
//	    client.WithBearerToken(token),
//	)
//
// # Speculative branches
//
// Register several candidate operations for the same account, then settle on
// one of them. Every other pending branch at or below the chosen nonce is
// discarded:
//
//	c.CreateBranch(ctx, "0xalice", 1, digestHex)
//	c.CreateBranch(ctx, "0xalice", 2, digestHex)
//	collapse, err := c.Settle(ctx, "0xalice", 2)
//	fmt.Println(collapse.Discarded) // [1]
//
// # Intents
//
//	id, err := c.SubmitIntent(ctx, payload, 5)
//	intent, err := c.ExecuteIntent(ctx, id, 1000) // executor only
//
// Server-side failures come back as *APIError values that match the package
// sentinels with errors.Is:
//
//	if errors.Is(err, client.ErrAlreadySettled) { ... }
package client
