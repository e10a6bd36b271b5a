// Package client provides the Go SDK for talking to a lindad tuple space over
// its line protocol.
//
// A Client owns one TCP connection and sends one request at a time; share it
// between goroutines freely, but note that a blocking Read or In holds the
// connection until a matching value is written by someone else. Use one
// Client per concurrent waiter.
//
//	ctx := context.Background()
//	cli, err := client.Dial(ctx, "127.0.0.1:54321")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	if err := cli.Write(ctx, "jobs", "resize image-42"); err != nil {
//	    log.Fatal(err)
//	}
//	job, err := cli.In(ctx, "jobs")
//
// Keys are single tokens. Values may contain spaces, but the server splits on
// whitespace and re-joins with single spaces, so runs of whitespace collapse.
//
// Context deadlines and cancellation abort the wait on the client side only.
// The server has no way to withdraw a pending In, so the connection is
// discarded afterwards (ErrConnBroken) and the value the server eventually
// takes is lost.
package client
