// Package qkd distributes symmetric keys between parties and repairs
// the disagreements a noisy generation process leaves behind.
//
// The heavy lifting is classical post-processing: an authenticated
// session protocol, two error-reconciliation engines (Cascade and
// LDPC), privacy amplification and key verification, plus a multi-hop
// relay layer in which no single relay node learns the final key. Raw
// key generation itself stays behind the keysource.Source boundary;
// simulated sources ship with the module.
//
// # Getting Started
//
// Run a complete two-party exchange with simulated correlated raw
// keys:
//
//	opts := qkd.NewOptions()
//	opts.SharedSecret = []byte("pre-provisioned authentication secret")
//
//	source := keysource.NewPairedSource(32, 3)
//	key, report, err := qkd.Exchange(ctx, "alice", "bob", source, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("agreed on %d bytes at error rate %.4f\n", len(key), report.ErrorRate)
//
// The same exchange can run over a secured channel pair instead of
// direct delivery:
//
//	a, b := transport.Pipe()
//	key, report, err := qkd.ExchangeOver(ctx, "alice", "bob", source, opts, a, b)
//
// # Relaying Keys Across a Network
//
// When two parties share no direct link, a network.Layer relays the
// key across intermediate nodes, XOR-masking it with a fresh key on
// every hop:
//
//	layer, _ := opts.NewRelayLayer()
//	layer.AddNode("alice", network.RoleSource)
//	layer.AddNode("carol", network.RoleTrustedRelay)
//	layer.AddNode("bob", network.RoleDestination)
//	layer.AddLink("alice", "carol", linkSecretAC, 1.0)
//	layer.AddLink("carol", "bob", linkSecretCB, 1.0)
//
//	netKey, err := layer.DistributeKey(ctx, "alice", "bob", key, nil)
//
// Installing a SessionHopKeyer upgrades the per-hop masking keys from
// deterministic derivation to full nested exchanges:
//
//	layer.SetHopKeyer(qkd.NewSessionHopKeyer(opts))
//
// # Package Layout
//
// The pipeline stages live in their own packages and are usable on
// their own: bitvec (bit-level utilities), cascade and ldpc (the two
// reconciliation engines behind the reconcile.Reconciler interface),
// amplify (hash-chain privacy amplification), session (the message
// protocol and state machine), keysource (the raw material boundary),
// transport (framing, pipes and Noise-secured channels) and network
// (topology, path discovery and key relay).
package qkd
