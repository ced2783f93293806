// Package client is the Go SDK for the casad controller HTTP API.
//
// # Identifying and sending commands
//
// A client first identifies as an actor, which opens a session. Commands
// sent afterwards are attributed to that actor:
//
//	c, _ := client.New("http://localhost:8080")
//	if _, err := c.Identify(ctx, "alice"); err != nil {
//	    log.Fatal(err)
//	}
//	res, err := c.Submit(ctx, client.Command{Room: "kitchen", Device: "light", Value: 80})
//	fmt.Println(res.Decision.Authorized, res.Receipt.BlockIndex)
//
// A denied command is still recorded on the controller's ledger; Submit
// returns it without an error and with Decision.Authorized false.
//
// # Reading the ledger
//
//	head, _ := c.Snapshot(ctx, true, false) // ancestors, no transactions
//	for b := head; b != nil; b = b.Previous {
//	    fmt.Println(b.Index, b.Hash)
//	}
//
// # Operator calls
//
// Sealing the open block requires the admin secret:
//
//	c, _ := client.New(base, client.WithAdminSecret(os.Getenv("CASA_ADMIN")))
//	sealed, err := c.Seal(ctx)
package client
