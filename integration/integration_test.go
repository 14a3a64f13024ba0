//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	groupkeys "github.com/groupkeys/client-go"
)

var (
	authToken string
	baseURL   string
)

func TestMain(m *testing.M) {
	// Load .env file if it exists (won't error if missing)
	if err := godotenv.Load("../.env"); err != nil {
		os.Stderr.WriteString("Note: .env file not found at project root\n")
	}

	authToken = os.Getenv("GROUPKEYS_TOKEN")
	baseURL = os.Getenv("GROUPKEYS_URL")

	if baseURL == "" {
		os.Stderr.WriteString("Skipping integration tests: GROUPKEYS_URL not set\n")
		os.Exit(0)
	}

	os.Stderr.WriteString("Running integration tests...\n")
	os.Stderr.WriteString("API URL: " + baseURL + "\n")

	os.Exit(m.Run())
}

// unique scopes user and group names to one test run.
func unique(name string) string {
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
}

func newClient(t *testing.T, userID, deviceID string, opts ...groupkeys.Option) *groupkeys.Client {
	t.Helper()

	base := []groupkeys.Option{
		groupkeys.WithBaseURL(baseURL),
		groupkeys.WithTimeout(30 * time.Second),
		groupkeys.WithRetries(2),
	}
	if authToken != "" {
		base = append(base, groupkeys.WithAuthToken(authToken))
	}

	client, err := groupkeys.New(context.Background(), userID, deviceID, append(base, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
	})

	require.NoError(t, client.Register(context.Background()))
	return client
}

func TestIntegration_EncryptDecryptAcrossDevices(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	group := unique("group")
	alice := newClient(t, unique("alice"), "laptop", groupkeys.WithDeliveryStrategy(groupkeys.StrategyNone))
	bob := newClient(t, unique("bob"), "phone", groupkeys.WithDeliveryStrategy(groupkeys.StrategyNone))

	epoch, err := alice.InitGroup(ctx, group)
	require.NoError(t, err)
	t.Logf("Initialized %s", epoch)

	report, err := alice.Distribute(ctx, group, epoch.Epoch)
	if err != nil {
		t.Skipf("Server has no membership for %s: %v", group, err)
	}
	t.Logf("Distributed: uploaded=%d failed=%d", report.Uploaded, report.Failed)

	_, err = bob.FetchQueued(ctx)
	require.NoError(t, err)

	msg, err := alice.Encrypt(ctx, group, "integration hello")
	require.NoError(t, err)
	require.True(t, msg.Encrypted)

	result := bob.Decrypt(ctx, group, msg)
	if result.Status == groupkeys.StatusPending {
		t.Skip("bob is not a member of the test group on this server")
	}
	assert.Equal(t, "integration hello", result.Text)
}

func TestIntegration_SafetyNumberMatchesLocal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	alice := newClient(t, unique("alice"), "laptop", groupkeys.WithDeliveryStrategy(groupkeys.StrategyNone))
	bob := newClient(t, unique("bob"), "phone", groupkeys.WithDeliveryStrategy(groupkeys.StrategyNone))

	aliceID, err := alice.Identity(ctx)
	require.NoError(t, err)
	bobID, err := bob.Identity(ctx)
	require.NoError(t, err)

	remote, err := alice.SafetyNumber(ctx, bobID.IdentityPublicKey)
	require.NoError(t, err)
	local, err := groupkeys.ComputeSafetyNumber(aliceID.IdentityPublicKey, bobID.IdentityPublicKey)
	require.NoError(t, err)
	assert.Equal(t, local, remote)
}

func TestIntegration_DeliveryStrategies(t *testing.T) {
	for _, strategy := range []groupkeys.DeliveryStrategy{groupkeys.StrategySSE, groupkeys.StrategyPolling, groupkeys.StrategyAuto} {
		t.Run(string(strategy), func(t *testing.T) {
			client := newClient(t, unique("carol"), "tablet",
				groupkeys.WithDeliveryStrategy(strategy),
				groupkeys.WithPollingInitialInterval(time.Second),
			)
			assert.NotEqual(t, "none", client.DeliveryStrategy())

			registered, err := client.Registered()
			require.NoError(t, err)
			assert.True(t, registered)
		})
	}
}

func TestIntegration_InvalidToken(t *testing.T) {
	client, err := groupkeys.New(context.Background(), unique("mallory"), "x",
		groupkeys.WithBaseURL(baseURL),
		groupkeys.WithAuthToken("invalid-token-12345"),
		groupkeys.WithDeliveryStrategy(groupkeys.StrategyNone),
	)
	require.NoError(t, err)
	defer client.Close()

	err = client.Register(context.Background())
	if err == nil {
		t.Skip("server does not require authentication")
	}
	assert.ErrorIs(t, err, groupkeys.ErrUnauthorized)
}
