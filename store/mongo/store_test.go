package mongo

import (
	"reflect"
	"slices"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/credits/checkout"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/types"
)

func TestAccountIndexIsUnique(t *testing.T) {
	idx := migrationIndexes()[colAccounts]
	if len(idx) == 0 || idx[0].Options == nil {
		t.Fatal("accounts collection needs a unique owner index")
	}
}

func TestSessionOwnerIndex(t *testing.T) {
	want := bson.D{{Key: "tenant_id", Value: 1}, {Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}
	for _, idx := range migrationIndexes()[colSessions] {
		if keys, ok := idx.Keys.(bson.D); ok && slices.Equal(keys, want) {
			return
		}
	}
	t.Fatal("sessions collection needs a (tenant_id, user_id, created_at) index for per-user listing")
}

func TestModelsMapToCollections(t *testing.T) {
	tests := []struct {
		model any
		table string
	}{
		{accountModel{}, colAccounts},
		{entryModel{}, colTransactions},
		{sessionModel{}, colSessions},
		{packageModel{}, colPackages},
		{providerConfigModel{}, colProviderConfigs},
	}
	for _, tt := range tests {
		typ := reflect.TypeOf(tt.model)
		base, ok := typ.FieldByName("BaseModel")
		if !ok {
			t.Errorf("%s does not embed grove.BaseModel", typ.Name())
			continue
		}
		if got := base.Tag.Get("grove"); got != "table:"+tt.table {
			t.Errorf("%s table tag = %q, want table:%s", typ.Name(), got, tt.table)
		}
	}
}

func TestSessionModelKeepsClaim(t *testing.T) {
	until := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	sess := &checkout.Session{
		ID:             "cs_1",
		TenantID:       "site-a",
		PackageID:      id.NewPackageID(),
		Amount:         types.JPY(750),
		Status:         checkout.StatusPending,
		ClaimToken:     "tok",
		ClaimExpiresAt: until,
	}

	got, err := fromSessionModel(toSessionModel(sess))
	if err != nil {
		t.Fatal(err)
	}
	if got.ClaimToken != "tok" || !got.ClaimExpiresAt.Equal(until) {
		t.Errorf("claim lost: %q %v", got.ClaimToken, got.ClaimExpiresAt)
	}
	if !got.Amount.Equal(sess.Amount) {
		t.Errorf("amount = %v", got.Amount)
	}
}
