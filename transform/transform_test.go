package transform

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/showito/realtime/errors"
	"github.com/showito/realtime/message"
)

func TestRegistry_UnknownKind(t *testing.T) {
	r := NewRegistry()
	_, err := r.Transform(message.Kind("listing_update"), json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestRegistry_Kinds(t *testing.T) {
	r := NewRegistry()
	assert.Len(t, r.Kinds(), 4)
}

func TestPriceTransformer(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, u message.Update, p message.PricePayload)
	}{
		{
			name: "valid payload",
			raw:  `{"collectionId":"top-shot","floorPrice":12.5,"volume24h":900,"change24h":-3.2}`,
			check: func(t *testing.T, u message.Update, p message.PricePayload) {
				assert.Equal(t, message.UpdatePrice, u.Type)
				assert.Equal(t, message.EntityCollection, u.EntityType)
				assert.Equal(t, "top-shot", u.EntityID)
				assert.Equal(t, message.PriorityHigh, u.Priority)
				assert.Equal(t, 12.5, p.FloorPrice)
				assert.Equal(t, -3.2, p.Change24h, "deltas may be negative")
			},
		},
		{
			name: "negative floor price clamped to zero",
			raw:  `{"collectionId":"top-shot","floorPrice":-100,"volume24h":-1}`,
			check: func(t *testing.T, u message.Update, p message.PricePayload) {
				assert.Equal(t, float64(0), p.FloorPrice)
				assert.Equal(t, float64(0), p.Volume24h)
			},
		},
		{
			name: "numeric string coerced",
			raw:  `{"collectionId":"top-shot","floorPrice":"42.5"}`,
			check: func(t *testing.T, u message.Update, p message.PricePayload) {
				assert.Equal(t, 42.5, p.FloorPrice)
			},
		},
		{name: "missing collectionId", raw: `{"floorPrice":10}`, wantErr: true},
		{name: "missing floorPrice", raw: `{"collectionId":"x","volume24h":5}`, wantErr: true},
		{name: "null floorPrice", raw: `{"collectionId":"x","floorPrice":null}`, wantErr: true},
		{name: "non-numeric floor price", raw: `{"collectionId":"x","floorPrice":"abc"}`, wantErr: true},
		{name: "malformed json", raw: `{`, wantErr: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			u, err := r.Transform(message.KindPriceUpdate, json.RawMessage(test.raw))
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.NotEmpty(t, u.ID)

			var p message.PricePayload
			require.NoError(t, json.Unmarshal(u.Data, &p))
			test.check(t, u, p)
		})
	}
}

func TestSaleTransformer(t *testing.T) {
	r := NewRegistry()

	u, err := r.Transform(message.KindNewSale, json.RawMessage(
		`{"nftId":"nft-1","collectionId":"top-shot","price":250,"buyer":"0xABCDEF","seller":"0x123ABC"}`))
	require.NoError(t, err)

	assert.Equal(t, message.UpdateSale, u.Type)
	assert.Equal(t, message.EntityNFT, u.EntityType)
	assert.Equal(t, "nft-1", u.EntityID)
	assert.Equal(t, message.PriorityHigh, u.Priority)

	var p message.SalePayload
	require.NoError(t, json.Unmarshal(u.Data, &p))
	assert.Equal(t, "0xabcdef", p.Buyer, "addresses lowercased")
	assert.Equal(t, "0x123abc", p.Seller)
}

func TestSaleTransformer_Rejections(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		name string
		raw  string
	}{
		{"missing nftId", `{"collectionId":"top-shot","price":1,"buyer":"0xa"}`},
		{"missing collectionId", `{"nftId":"n1","price":1,"buyer":"0xa"}`},
		{"missing buyer", `{"nftId":"n1","collectionId":"c","price":10,"seller":"0xb"}`},
		{"zero price", `{"nftId":"n1","collectionId":"c","price":0,"buyer":"0xa","seller":"0xb"}`},
		{"negative price", `{"nftId":"n1","collectionId":"c","price":-5,"buyer":"0xa","seller":"0xb"}`},
		{"self sale", `{"nftId":"n1","collectionId":"c","price":10,"buyer":"0xSAME","seller":"0xSAME"}`},
		{"self sale mixed case", `{"nftId":"n1","collectionId":"c","price":10,"buyer":"0xSame","seller":"0xsame"}`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := r.Transform(message.KindNewSale, json.RawMessage(test.raw))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestWhaleTransformer(t *testing.T) {
	r := NewRegistry()

	t.Run("medium priority below threshold", func(t *testing.T) {
		u, err := r.Transform(message.KindWhaleMovement, json.RawMessage(
			`{"walletAddress":"0xWHALE","transactionType":"buy","amount":500}`))
		require.NoError(t, err)
		assert.Equal(t, message.PriorityMedium, u.Priority)

		var p message.WhalePayload
		require.NoError(t, json.Unmarshal(u.Data, &p))
		assert.False(t, p.IsLargeTransaction)
		assert.Equal(t, "0xwhale", p.WalletAddress)
	})

	t.Run("critical above threshold", func(t *testing.T) {
		u, err := r.Transform(message.KindWhaleMovement, json.RawMessage(
			`{"walletAddress":"0xWHALE","transactionType":"buy","amount":15000}`))
		require.NoError(t, err)
		assert.Equal(t, message.PriorityCritical, u.Priority)

		var p message.WhalePayload
		require.NoError(t, json.Unmarshal(u.Data, &p))
		assert.True(t, p.IsLargeTransaction)
	})

	t.Run("missing wallet rejected", func(t *testing.T) {
		_, err := r.Transform(message.KindWhaleMovement, json.RawMessage(`{"amount":100,"transactionType":"buy"}`))
		require.Error(t, err)
	})

	t.Run("missing transactionType rejected", func(t *testing.T) {
		_, err := r.Transform(message.KindWhaleMovement, json.RawMessage(
			`{"walletAddress":"0xWHALE","amount":100}`))
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	})

	t.Run("unknown transactionType rejected", func(t *testing.T) {
		_, err := r.Transform(message.KindWhaleMovement, json.RawMessage(
			`{"walletAddress":"0xWHALE","transactionType":"mint","amount":100}`))
		require.Error(t, err)
		assert.True(t, errors.IsInvalid(err))
	})

	t.Run("transfer accepted", func(t *testing.T) {
		_, err := r.Transform(message.KindWhaleMovement, json.RawMessage(
			`{"walletAddress":"0xWHALE","transactionType":"transfer","amount":100}`))
		require.NoError(t, err)
	})
}

func TestAlertTransformer_PassThrough(t *testing.T) {
	r := NewRegistry()

	raw := json.RawMessage(`{"alertId":"a1","collectionId":"top-shot","alertType":"floor_drop","message":"floor -20%"}`)
	u, err := r.Transform(message.KindAlertTrigger, raw)
	require.NoError(t, err)

	assert.Equal(t, message.UpdateAlert, u.Type)
	assert.Equal(t, message.PriorityCritical, u.Priority)
	assert.Equal(t, message.EntityCollection, u.EntityType)
	assert.JSONEq(t, string(raw), string(u.Data), "alert data passes through untouched")
}

func TestAlertTransformer_FallbackEntity(t *testing.T) {
	r := NewRegistry()

	u, err := r.Transform(message.KindAlertTrigger, json.RawMessage(
		`{"alertId":"a2","alertType":"whale_alert","message":"large buy"}`))
	require.NoError(t, err, "alerts without a collection still deliver")
	assert.Equal(t, "alert", u.EntityID)
	assert.Equal(t, message.PriorityCritical, u.Priority)
}

// Sanitization must be idempotent: feeding a transformer its own output
// produces identical values.
func TestSanitization_Idempotent(t *testing.T) {
	r := NewRegistry()

	u1, err := r.Transform(message.KindNewSale, json.RawMessage(
		`{"nftId":"nft-1","collectionId":"c","price":250,"buyer":"0xAB","seller":"0xCD"}`))
	require.NoError(t, err)

	u2, err := r.Transform(message.KindNewSale, u1.Data)
	require.NoError(t, err)

	assert.JSONEq(t, string(u1.Data), string(u2.Data))
}
