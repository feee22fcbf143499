// Package clients exposes the marketplace resources the dashboard manages,
// all sharing one authenticated API client.
package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"marketplace/dashboard/internal/apiclient"
	"marketplace/dashboard/internal/model"
)

// ErrAdLimitExceeded is returned when the seller has no free ads left.
var ErrAdLimitExceeded = errors.New("ad limit exceeded")

type Clients struct {
	API        *apiclient.Client
	Users      *Users
	Products   *Products
	Categories *Categories
	Packages   *Packages
	Payments   *Payments
	Reports    *Reports
	Reviews    *Reviews
	Chats      *Chats
	Messages   *Messages
	Contact    *Contact
}

func New(api *apiclient.Client) *Clients {
	return &Clients{
		API:        api,
		Users:      &Users{newResource[model.User](api, "/users/", http.MethodPatch)},
		Products:   &Products{newResource[model.Product](api, "/products/", http.MethodPatch)},
		Categories: &Categories{newResource[model.Category](api, "/categories/", http.MethodPut)},
		Packages:   &Packages{newResource[model.Package](api, "/packages/", http.MethodPut)},
		Payments:   &Payments{api: api},
		Reports:    &Reports{newResource[model.Report](api, "/reports/", http.MethodPatch)},
		Reviews:    &Reviews{newResource[model.Review](api, "/reviews/", http.MethodPatch)},
		Chats:      &Chats{newResource[model.Chat](api, "/chats/", http.MethodPatch)},
		Messages:   &Messages{newResource[model.Message](api, "/messages/", http.MethodPatch)},
		Contact:    &Contact{newResource[model.ContactMessage](api, "/contact/admin/", http.MethodPatch)},
	}
}

type Users struct{ resource[model.User] }

type Reports struct{ resource[model.Report] }

type Reviews struct{ resource[model.Review] }

type Packages struct{ resource[model.Package] }

type Chats struct{ resource[model.Chat] }

type Messages struct{ resource[model.Message] }

// Contact manages messages sent through the public contact form.
type Contact struct{ resource[model.ContactMessage] }

type Products struct{ resource[model.Product] }

// Create posts a new product. A 400 with code ad_limit_exceeded comes back
// as ErrAdLimitExceeded wrapping the API error.
func (p *Products) Create(ctx context.Context, payload interface{}) (model.Product, error) {
	product, err := p.resource.Create(ctx, payload)
	if statusErr, ok := apiclient.AsStatus(err); ok && statusErr.Status == http.StatusBadRequest && statusErr.Code == "ad_limit_exceeded" {
		return model.Product{}, fmt.Errorf("%w: %w", ErrAdLimitExceeded, err)
	}
	return product, err
}

// Replace updates a product with PUT. Update uses PATCH.
func (p *Products) Replace(ctx context.Context, id int64, payload interface{}) (model.Product, error) {
	var out model.Product
	err := p.api.Put(ctx, p.item(id), payload, &out)
	return out, err
}

func (p *Products) MyProducts(ctx context.Context) ([]model.Product, error) {
	page, err := listAt[model.Product](ctx, p.api, "/products/my_products/", nil)
	return page.Results, err
}

type Categories struct{ resource[model.Category] }

func (c *Categories) Products(ctx context.Context, id int64) ([]model.Product, error) {
	page, err := listAt[model.Product](ctx, c.api, c.item(id)+"products/", nil)
	return page.Results, err
}

type Payments struct {
	api *apiclient.Client
}

func (p *Payments) List(ctx context.Context, params url.Values) ([]model.Payment, error) {
	page, err := listAt[model.Payment](ctx, p.api, "/payments/", params)
	return page.Results, err
}

type confirmPaymentRequest struct {
	PackageID  int64  `json:"package_id"`
	AdminNotes string `json:"admin_notes"`
}

// Confirm approves a payment and activates packageID for its user.
func (p *Payments) Confirm(ctx context.Context, id, packageID int64, notes string) (model.Payment, error) {
	var out model.Payment
	err := p.api.Post(ctx, fmt.Sprintf("/payments/%d/admin_confirm/", id), confirmPaymentRequest{PackageID: packageID, AdminNotes: notes}, &out)
	return out, err
}

func (p *Payments) PendingCount(ctx context.Context) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := p.api.Get(ctx, "/payments/pending_count/", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}
