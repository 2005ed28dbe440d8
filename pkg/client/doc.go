// Package client is the Go client for a sandcats registry.
//
// A machine identifies itself with a client certificate. The registry never
// sees the key; its TLS terminator forwards the certificate's SHA-1
// fingerprint, and hostnames are bound to that fingerprint.
//
// # First run
//
//	bundle, err := client.LoadOrGenerate(keyDir)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c, err := client.New("https://sandcats.example",
//	    client.WithMTLS(bundle.CertPEM, bundle.PrivateKeyPEM, ""),
//	)
//	resp, err := c.Register(ctx, "alice", "alice@example.com")
//
// # Keeping the address current
//
// Ping sends a UDP challenge that the registry echoes only when the
// registered address differs from the sender's. Call Update when it does:
//
//	if stale, err := c.Ping(ctx, "alice", 5*time.Second); err == nil && stale {
//	    _, err = c.Update(ctx, "alice")
//	}
//
// # Certificates
//
//	csr, _ := bundle.CSR("alice.sandcats.example")
//	resp, err := c.GetCertificate(ctx, "alice", csr)
//	// resp.Cert, resp.Chain
//
// Calls that the registry refuses return *Error carrying its explanation.
package client
