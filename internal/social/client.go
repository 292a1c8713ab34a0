// Package social talks to the Farcaster data provider's HTTP API:
// reading a user's history, provisioning twin accounts, maintaining
// the mention webhook subscription, and publishing replies.
package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	castsPageSize    = 150
	maxCasts         = 2000
	maxReplies       = 100
	defaultCallLimit = 30 * time.Second
)

// User is a social network profile.
type User struct {
	Fid         int64  `json:"fid"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Bio         string `json:"bio"`
	AvatarURL   string `json:"pfp_url"`
}

// Cast is one post authored by a user.
type Cast struct {
	Hash      string    `json:"hash"`
	AuthorFid int64     `json:"author_fid"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Reply is a post made in response to another, with parent context.
type Reply struct {
	Cast
	ParentText      string `json:"parent_text"`
	ParentAuthorFid int64  `json:"parent_author_fid"`
}

// Account is a freshly registered twin identity.
type Account struct {
	Fid        int64
	Handle     string
	SignerUUID string
}

// Client calls the provider API. All methods apply a per-call timeout.
type Client struct {
	baseURL    string
	apiKey     string
	webhookID  string
	httpClient *http.Client
}

// New creates a Client for the given API base URL. webhookID names the
// mention-webhook subscription this deployment owns.
func New(baseURL, apiKey, webhookID string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		webhookID:  webhookID,
		httpClient: &http.Client{Timeout: 0},
	}
}

type castsResponse struct {
	Casts []wireCast `json:"casts"`
	Next  struct {
		Cursor *string `json:"cursor"`
	} `json:"next"`
}

type wireCast struct {
	Hash   string `json:"hash"`
	Text   string `json:"text"`
	Author struct {
		Fid int64 `json:"fid"`
	} `json:"author"`
	Timestamp  time.Time `json:"timestamp"`
	ParentHash string    `json:"parent_hash"`
	ParentCast *struct {
		Text   string `json:"text"`
		Author struct {
			Fid int64 `json:"fid"`
		} `json:"author"`
	} `json:"parent_cast"`
}

// FetchUserCasts returns up to 2000 of the user's original casts,
// newest first, following cursor pagination in pages of 150.
func (c *Client) FetchUserCasts(ctx context.Context, fid int64) ([]Cast, error) {
	var all []Cast
	cursor := ""

	for len(all) < maxCasts {
		limit := maxCasts - len(all)
		if limit > castsPageSize {
			limit = castsPageSize
		}

		q := url.Values{}
		q.Set("fid", strconv.FormatInt(fid, 10))
		q.Set("limit", strconv.Itoa(limit))
		q.Set("include_replies", "false")
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var page castsResponse
		if err := c.get(ctx, "/feed/user/casts", q, &page); err != nil {
			return nil, fmt.Errorf("fetching casts for fid %d: %w", fid, err)
		}

		for _, wc := range page.Casts {
			all = append(all, Cast{
				Hash:      wc.Hash,
				AuthorFid: wc.Author.Fid,
				Text:      wc.Text,
				CreatedAt: wc.Timestamp,
			})
		}
		if page.Next.Cursor == nil || *page.Next.Cursor == "" || len(page.Casts) == 0 {
			break
		}
		cursor = *page.Next.Cursor
	}
	return all, nil
}

// FetchUserReplies returns up to 100 of the user's replies, each with
// the parent cast's text and author when the provider includes them.
func (c *Client) FetchUserReplies(ctx context.Context, fid int64) ([]Reply, error) {
	q := url.Values{}
	q.Set("fid", strconv.FormatInt(fid, 10))
	q.Set("limit", strconv.Itoa(maxReplies))
	q.Set("filter", "replies")

	var page castsResponse
	if err := c.get(ctx, "/feed/user/replies_and_recasts", q, &page); err != nil {
		return nil, fmt.Errorf("fetching replies for fid %d: %w", fid, err)
	}

	replies := make([]Reply, 0, len(page.Casts))
	for _, wc := range page.Casts {
		if wc.ParentHash == "" {
			continue // recast, not a reply
		}
		r := Reply{Cast: Cast{
			Hash:      wc.Hash,
			AuthorFid: wc.Author.Fid,
			Text:      wc.Text,
			CreatedAt: wc.Timestamp,
		}}
		if wc.ParentCast != nil {
			r.ParentText = wc.ParentCast.Text
			r.ParentAuthorFid = wc.ParentCast.Author.Fid
		}
		replies = append(replies, r)
	}
	return replies, nil
}

// ResolveUser loads the profile for a fid.
func (c *Client) ResolveUser(ctx context.Context, fid int64) (*User, error) {
	q := url.Values{}
	q.Set("fids", strconv.FormatInt(fid, 10))

	var resp struct {
		Users []User `json:"users"`
	}
	if err := c.get(ctx, "/user/bulk", q, &resp); err != nil {
		return nil, fmt.Errorf("resolving user %d: %w", fid, err)
	}
	if len(resp.Users) == 0 {
		return nil, fmt.Errorf("resolving user %d: not found", fid)
	}
	return &resp.Users[0], nil
}

// ReserveFid obtains an unused fid for a new twin account.
func (c *Client) ReserveFid(ctx context.Context) (int64, error) {
	var resp struct {
		Fid int64 `json:"fid"`
	}
	if err := c.get(ctx, "/user/fid", nil, &resp); err != nil {
		return 0, fmt.Errorf("reserving fid: %w", err)
	}
	if resp.Fid <= 0 {
		return 0, fmt.Errorf("reserving fid: provider returned %d", resp.Fid)
	}
	return resp.Fid, nil
}

type registerRequest struct {
	Fid      int64  `json:"fid"`
	Fname    string `json:"fname"`
	Metadata struct {
		Bio         string `json:"bio"`
		DisplayName string `json:"display_name"`
		PfpURL      string `json:"pfp_url"`
	} `json:"metadata"`
}

// RegisterAccount registers the reserved fid under the given handle
// and returns the account with its signer uuid.
func (c *Client) RegisterAccount(ctx context.Context, fid int64, handle, displayName, bio, avatarURL string) (*Account, error) {
	req := registerRequest{Fid: fid, Fname: handle}
	req.Metadata.Bio = bio
	req.Metadata.DisplayName = displayName
	req.Metadata.PfpURL = avatarURL

	var resp struct {
		Signer struct {
			SignerUUID string `json:"signer_uuid"`
		} `json:"signer"`
	}
	if err := c.post(ctx, http.MethodPost, "/user", req, &resp); err != nil {
		return nil, fmt.Errorf("registering account %q (fid %d): %w", handle, fid, err)
	}
	if resp.Signer.SignerUUID == "" {
		return nil, fmt.Errorf("registering account %q: no signer uuid in response", handle)
	}
	return &Account{Fid: fid, Handle: handle, SignerUUID: resp.Signer.SignerUUID}, nil
}

type webhookUpdateRequest struct {
	WebhookID    string `json:"webhook_id"`
	Subscription struct {
		CastCreated struct {
			MentionedFids []int64 `json:"mentioned_fids"`
		} `json:"cast.created"`
	} `json:"subscription"`
}

// UpdateWebhookFids replaces the mention subscription with the given
// fid set. Callers pass the full union of tracked fids.
func (c *Client) UpdateWebhookFids(ctx context.Context, fids []int64) error {
	req := webhookUpdateRequest{WebhookID: c.webhookID}
	req.Subscription.CastCreated.MentionedFids = fids

	if err := c.post(ctx, http.MethodPut, "/webhook", req, nil); err != nil {
		return fmt.Errorf("updating webhook subscription: %w", err)
	}
	return nil
}

type postCastRequest struct {
	SignerUUID string `json:"signer_uuid"`
	Text       string `json:"text"`
	Parent     string `json:"parent,omitempty"`
}

// PostReply publishes text as a reply to the cast with parentHash,
// signed by the twin's signer. Returns the new cast's hash.
func (c *Client) PostReply(ctx context.Context, signerUUID, parentHash, text string) (string, error) {
	var resp struct {
		Cast struct {
			Hash string `json:"hash"`
		} `json:"cast"`
	}
	req := postCastRequest{SignerUUID: signerUUID, Text: text, Parent: parentHash}
	if err := c.post(ctx, http.MethodPost, "/cast", req, &resp); err != nil {
		return "", fmt.Errorf("posting reply to %s: %w", parentHash, err)
	}
	return resp.Cast.Hash, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCallLimit)
	defer cancel()

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultCallLimit)
	defer cancel()

	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
