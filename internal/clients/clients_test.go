package clients

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace/dashboard/internal/apiclient"
	"marketplace/dashboard/internal/devbackend"
	"marketplace/dashboard/internal/model"
	"marketplace/dashboard/internal/tokenstore"
)

func newClients(t *testing.T, userID int64) *Clients {
	t.Helper()
	store := devbackend.NewStore()
	require.NoError(t, store.Seed())
	backend := devbackend.NewServer(devbackend.Config{JWTSecret: "secret", JWTIssuer: "test"}, store, nil)
	ts := httptest.NewServer(backend.Router())
	t.Cleanup(ts.Close)

	access, refresh, err := backend.IssueTokens(userID)
	require.NoError(t, err)
	tokens := tokenstore.New(tokenstore.NewMemoryBackend(), nil)
	tokens.SetTokens(context.Background(), access, refresh)
	return New(apiclient.New(ts.URL, tokens))
}

func TestDecodeListAcceptsBothShapes(t *testing.T) {
	bare, err := decodeList[model.Package](json.RawMessage(`[{"id":1,"name":"Basic"},{"id":2,"name":"Pro"}]`))
	require.NoError(t, err)
	assert.Equal(t, 2, bare.Count)
	assert.Equal(t, "Pro", bare.Results[1].Name)

	page, err := decodeList[model.Package](json.RawMessage(`{"count":14,"results":[{"id":3,"name":"Gold"}]}`))
	require.NoError(t, err)
	assert.Equal(t, 14, page.Count)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "Gold", page.Results[0].Name)

	empty, err := decodeList[model.Package](json.RawMessage(`{"count":0}`))
	require.NoError(t, err)
	assert.NotNil(t, empty.Results)

	_, err = decodeList[model.Package](json.RawMessage(`"nope"`))
	assert.Error(t, err)
}

func TestProductsListAndPaging(t *testing.T) {
	c := newClients(t, 1)
	ctx := context.Background()

	products, err := c.Products.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, products, 3)

	active, err := c.Products.List(ctx, url.Values{"status": {"active"}})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "Linear Algebra, 4th ed.", active[0].Title)

	page, err := c.Products.ListPage(ctx, url.Values{"page": {"1"}, "page_size": {"2"}})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Count)
	assert.Len(t, page.Results, 2)
}

func TestAllWalksEveryPage(t *testing.T) {
	c := newClients(t, 1)
	ctx := context.Background()

	all, err := c.Products.All(ctx, url.Values{"page_size": {"2"}})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[2].ID)

	pending, err := c.Products.All(ctx, url.Values{"status": {"pending"}, "page_size": {"2"}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "pending", pending[0].Status)
}

func TestProductUpdateAndReplace(t *testing.T) {
	c := newClients(t, 1)
	ctx := context.Background()

	updated, err := c.Products.Update(ctx, 1, map[string]string{"status": "inactive"})
	require.NoError(t, err)
	assert.Equal(t, "inactive", updated.Status)
	assert.Equal(t, "Linear Algebra, 4th ed.", updated.Title)

	replaced, err := c.Products.Replace(ctx, 1, map[string]string{"title": "Renamed"})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", replaced.Title)
	assert.Empty(t, replaced.Status)

	require.NoError(t, c.Products.Delete(ctx, 1))
	_, err = c.Products.Get(ctx, 1)
	assert.True(t, apiclient.IsStatus(err, 404))
}

func TestProductCreateAdLimit(t *testing.T) {
	c := newClients(t, 2)
	_, err := c.Products.Create(context.Background(), map[string]string{"title": "Desk lamp"})
	require.ErrorIs(t, err, ErrAdLimitExceeded)
	assert.True(t, apiclient.IsStatus(err, 400))
}

func TestProductCreateAsAdmin(t *testing.T) {
	c := newClients(t, 1)
	ctx := context.Background()
	created, err := c.Products.Create(ctx, map[string]string{"title": "Desk lamp", "price": "30.00"})
	require.NoError(t, err)
	assert.Equal(t, "Desk lamp", created.Title)

	mine, err := c.Products.MyProducts(ctx)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, created.ID, mine[0].ID)
}

func TestCategoryProducts(t *testing.T) {
	c := newClients(t, 1)
	products, err := c.Categories.Products(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, products, 2)
}

func TestPayments(t *testing.T) {
	c := newClients(t, 1)
	ctx := context.Background()

	count, err := c.Payments.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	payment, err := c.Payments.Confirm(ctx, 2, 1, "paid in cash")
	require.NoError(t, err)
	assert.Equal(t, "confirmed", payment.Status)

	pending, err := c.Payments.List(ctx, url.Values{"status": {"pending_confirmation"}})
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestAdminOnlyResourcesForbiddenToSellers(t *testing.T) {
	c := newClients(t, 2)
	_, err := c.Payments.PendingCount(context.Background())
	assert.True(t, apiclient.IsStatus(err, 403))
}

func TestRawResources(t *testing.T) {
	c := newClients(t, 1)
	ctx := context.Background()

	contact, err := c.Contact.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, contact, 1)
	assert.Contains(t, string(contact[0]), "How do packages work?")

	chats, err := c.Chats.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, chats, 1)

	messages, err := c.Messages.List(ctx, url.Values{"chat": {"1"}})
	require.NoError(t, err)
	assert.Len(t, messages, 1)

	report, err := c.Reports.Update(ctx, 1, map[string]string{"status": "resolved"})
	require.NoError(t, err)
	assert.Equal(t, "resolved", report.Status)
}
