package config

import (
	"testing"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePulsarSubscriptionType(t *testing.T) {
	tests := map[string]struct {
		input    string
		expected pulsar.SubscriptionType
		err      bool
	}{
		"shared":              {input: "shared", expected: pulsar.Shared},
		"key shared":          {input: "Key_Shared", expected: pulsar.KeyShared},
		"padded failover":     {input: " failover ", expected: pulsar.Failover},
		"exclusive":           {input: "EXCLUSIVE", expected: pulsar.Exclusive},
		"unknown is an error": {input: "broadcast", err: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			subscriptionType, err := ParsePulsarSubscriptionType(tc.input)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, subscriptionType)
		})
	}
}

func TestCustomHooks_DecodeThroughViper(t *testing.T) {
	type target struct {
		Subscription pulsar.SubscriptionType
		Timeout      time.Duration
		Topics       []string
	}
	v := viper.New()
	v.Set("subscription", "key_shared")
	v.Set("timeout", "150ms")
	v.Set("topics", "a,b")

	var decoded target
	require.NoError(t, v.Unmarshal(&decoded, CustomHooks...))
	assert.Equal(t, pulsar.KeyShared, decoded.Subscription)
	assert.Equal(t, 150*time.Millisecond, decoded.Timeout)
	assert.Equal(t, []string{"a", "b"}, decoded.Topics)
}
