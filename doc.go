// Package groupkeys is the client-side key management core of end-to-end
// encrypted group messaging.
//
// Each device holds a long-lived P-256 identity key. For every group epoch
// a sending device generates an AES-256 sender key, wraps it for every other
// member device with ECDH, HKDF-SHA-256 and AES-256-GCM, and uploads the
// envelopes. Recipients unwrap them from their key update queue, online or
// after reconnecting, and decrypt the group's messages with them.
//
// Basic usage:
//
//	client, err := groupkeys.New(ctx, "alice", "laptop",
//	    groupkeys.WithBaseURL("https://keys.example.com"),
//	    groupkeys.WithDataDir("/var/lib/groupkeys"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	msg, err := client.Encrypt(ctx, "team", "hello")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result := client.Decrypt(ctx, "team", msg)
//	fmt.Println(result.Text)
//
// Messages whose key has not arrived yet decrypt to a placeholder and are
// replayed through Subscribe and WatchGroup once it does.
package groupkeys
