/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/wso2/api-platform/gateway/service-control/internal/serviceconfig"
)

// newTokenSource builds the token source described by src for one fetch.
// Requests it makes are bound to ctx. last is returned without a round
// trip while it is still valid.
func newTokenSource(ctx context.Context, src serviceconfig.TokenSource, client *http.Client, last *oauth2.Token) (oauth2.TokenSource, error) {
	switch src.Type {
	case serviceconfig.TokenTypeStatic:
		return oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: src.Value,
			TokenType:   "Bearer",
		}), nil

	case serviceconfig.TokenTypeClientCredentials:
		cc := &clientcredentials.Config{
			ClientID:     src.ClientID,
			ClientSecret: src.ClientSecret,
			TokenURL:     src.TokenURL,
			Scopes:       src.Scopes,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
		return oauth2.ReuseTokenSource(last, cc.TokenSource(ctx)), nil

	case serviceconfig.TokenTypeMetadata:
		return oauth2.ReuseTokenSource(last, &metadataTokenSource{
			ctx:    ctx,
			url:    src.MetadataURL,
			client: client,
		}), nil
	}
	return nil, fmt.Errorf("unsupported token type %q", src.Type)
}

// metadataTokenSource reads tokens from a GCE-style instance metadata
// server. Like the oauth2 sources it carries the context of the fetch it
// serves.
type metadataTokenSource struct {
	ctx    context.Context
	url    string
	client *http.Client
}

type metadataTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Token implements oauth2.TokenSource
func (m *metadataTokenSource) Token() (*oauth2.Token, error) {
	req, err := http.NewRequestWithContext(m.ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("invalid metadata url: %w", err))
	}
	req.Header.Set("Metadata-Flavor", "Google")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("metadata server returned HTTP %d", resp.StatusCode)
		if isClientError(resp.StatusCode) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var tr metadataTokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to parse metadata token: %w", err))
	}
	if tr.AccessToken == "" {
		return nil, backoff.Permanent(errors.New("metadata token response has no access_token"))
	}

	tok := &oauth2.Token{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
	}
	if tr.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

// isPermanent reports whether a token endpoint error should not be retried
func isPermanent(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return isClientError(re.Response.StatusCode)
	}
	return false
}

func isClientError(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
