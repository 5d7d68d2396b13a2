package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // matches DecodePublicKey's checksum format
)

// HTTPAccountDirectory resolves account key authorities by calling the chain's condenser JSON-RPC
// API (get_accounts), the standard read endpoint exposed by Hive/Steem-family full nodes. The
// blockchain itself is an external collaborator this server only ever reads from.
type HTTPAccountDirectory struct {
	baseURL   string
	keyPrefix string
	client    *http.Client
}

// NewHTTPAccountDirectory builds a directory that queries baseURL's condenser_api. keyPrefix is
// stripped from every returned public key before base58check decoding (e.g. "STM").
func NewHTTPAccountDirectory(baseURL, keyPrefix string, timeout time.Duration) *HTTPAccountDirectory {
	return &HTTPAccountDirectory{
		baseURL:   baseURL,
		keyPrefix: keyPrefix,
		client:    &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Message string `json:"message"`
}

type accountAuthority struct {
	KeyAuths [][2]any `json:"key_auths"`
}

type accountResult struct {
	Name     string           `json:"name"`
	Owner    accountAuthority `json:"owner"`
	Active   accountAuthority `json:"active"`
	Posting  accountAuthority `json:"posting"`
	MemoKey  string           `json:"memo_key"`
}

type getAccountsResponse struct {
	Result []accountResult `json:"result"`
	Error  *rpcError       `json:"error"`
}

// ResolveKeys queries the chain for account and decodes its key authorities.
func (d *HTTPAccountDirectory) ResolveKeys(ctx context.Context, account string) (KeySet, error) {
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "condenser_api.get_accounts",
		Params:  [][]string{{account}},
		ID:      1,
	})
	if err != nil {
		return KeySet{}, fmt.Errorf("identity: marshal get_accounts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL, bytes.NewReader(reqBody))
	if err != nil {
		return KeySet{}, fmt.Errorf("identity: build get_accounts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return KeySet{}, fmt.Errorf("identity: get_accounts request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(resp.Body)
		return KeySet{}, fmt.Errorf("identity: get_accounts returned status %d: %s", resp.StatusCode, detail)
	}

	var parsed getAccountsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return KeySet{}, fmt.Errorf("identity: decode get_accounts response: %w", err)
	}
	if parsed.Error != nil {
		return KeySet{}, fmt.Errorf("identity: get_accounts rpc error: %s", parsed.Error.Message)
	}
	if len(parsed.Result) == 0 {
		return KeySet{}, ErrAccountNotFound
	}

	return d.decodeKeySet(parsed.Result[0])
}

func (d *HTTPAccountDirectory) decodeKeySet(acct accountResult) (KeySet, error) {
	keys := KeySet{Account: acct.Name}

	owner, err := d.decodeAuthority(acct.Owner)
	if err != nil {
		return KeySet{}, fmt.Errorf("identity: decode owner keys for %q: %w", acct.Name, err)
	}
	keys.Owner = owner

	active, err := d.decodeAuthority(acct.Active)
	if err != nil {
		return KeySet{}, fmt.Errorf("identity: decode active keys for %q: %w", acct.Name, err)
	}
	keys.Active = active

	posting, err := d.decodeAuthority(acct.Posting)
	if err != nil {
		return KeySet{}, fmt.Errorf("identity: decode posting keys for %q: %w", acct.Name, err)
	}
	keys.Posting = posting

	if acct.MemoKey != "" {
		memoKey, err := DecodePublicKey(acct.MemoKey, d.keyPrefix)
		if err != nil {
			return KeySet{}, fmt.Errorf("identity: decode memo key for %q: %w", acct.Name, err)
		}
		keys.Memo = append(keys.Memo, memoKey)
	}

	return keys, nil
}

func (d *HTTPAccountDirectory) decodeAuthority(a accountAuthority) ([]*btcec.PublicKey, error) {
	keys := make([]*btcec.PublicKey, 0, len(a.KeyAuths))
	for _, entry := range a.KeyAuths {
		encoded, ok := entry[0].(string)
		if !ok {
			return nil, fmt.Errorf("key_auths entry has non-string key: %v", entry[0])
		}
		key, err := DecodePublicKey(encoded, d.keyPrefix)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// CachedAccountDirectory fronts an AccountDirectory with a Postgres-backed mirror of resolved key
// sets, so repeated connects from the same account do not re-hit the external resolver. A cache
// row older than ttl is treated as a miss.
type CachedAccountDirectory struct {
	upstream  AccountDirectory
	pool      *pgxpool.Pool
	keyPrefix string
	ttl       time.Duration
	log       zerolog.Logger
}

// NewCachedAccountDirectory wraps upstream with a Postgres cache.
func NewCachedAccountDirectory(upstream AccountDirectory, pool *pgxpool.Pool, keyPrefix string, ttl time.Duration, logger zerolog.Logger) *CachedAccountDirectory {
	return &CachedAccountDirectory{
		upstream:  upstream,
		pool:      pool,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		log:       logger.With().Str("component", "account_directory_cache").Logger(),
	}
}

// ResolveKeys returns a cached key set if one exists and is younger than ttl; otherwise it
// resolves from upstream and writes the result back to the cache before returning.
func (d *CachedAccountDirectory) ResolveKeys(ctx context.Context, account string) (KeySet, error) {
	cached, fresh, err := d.lookup(ctx, account)
	if err != nil {
		d.log.Warn().Err(err).Str("account", account).Msg("account key cache lookup failed, falling through to upstream")
	} else if fresh {
		return cached, nil
	}

	keys, err := d.upstream.ResolveKeys(ctx, account)
	if err != nil {
		return KeySet{}, err
	}

	if err := d.store(ctx, keys); err != nil {
		d.log.Warn().Err(err).Str("account", account).Msg("failed to write account key cache entry")
	}

	return keys, nil
}

func (d *CachedAccountDirectory) lookup(ctx context.Context, account string) (KeySet, bool, error) {
	var (
		ownerKeys, activeKeys, postingKeys, memoKeys []string
		refreshedAt                                  time.Time
	)
	err := d.pool.QueryRow(ctx, `
		SELECT owner_keys, active_keys, posting_keys, memo_keys, refreshed_at
		FROM account_key_cache WHERE account = $1
	`, account).Scan(&ownerKeys, &activeKeys, &postingKeys, &memoKeys, &refreshedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return KeySet{}, false, nil
	}
	if err != nil {
		return KeySet{}, false, fmt.Errorf("identity: query account key cache: %w", err)
	}

	keys := KeySet{Account: account}
	if keys.Owner, err = d.decodeStrings(ownerKeys); err != nil {
		return KeySet{}, false, err
	}
	if keys.Active, err = d.decodeStrings(activeKeys); err != nil {
		return KeySet{}, false, err
	}
	if keys.Posting, err = d.decodeStrings(postingKeys); err != nil {
		return KeySet{}, false, err
	}
	if keys.Memo, err = d.decodeStrings(memoKeys); err != nil {
		return KeySet{}, false, err
	}

	return keys, time.Since(refreshedAt) < d.ttl, nil
}

func (d *CachedAccountDirectory) decodeStrings(encoded []string) ([]*btcec.PublicKey, error) {
	keys := make([]*btcec.PublicKey, 0, len(encoded))
	for _, e := range encoded {
		key, err := DecodePublicKey(e, d.keyPrefix)
		if err != nil {
			return nil, fmt.Errorf("identity: decode cached key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func encodeKeys(keys []*btcec.PublicKey, prefix string) []string {
	encoded := make([]string, len(keys))
	for i, k := range keys {
		encoded[i] = prefix + encodePublicKey(k)
	}
	return encoded
}

// encodePublicKey is the inverse of DecodePublicKey: it appends the chain's RIPEMD-160 checksum
// suffix to a compressed public key and base58-encodes the result, without the network prefix.
func encodePublicKey(key *btcec.PublicKey) string {
	keyBytes := key.SerializeCompressed()
	h := ripemd160.New()
	h.Write(keyBytes)
	sum := h.Sum(nil)
	return base58.Encode(append(keyBytes, sum[:keyChecksumLength]...))
}

func (d *CachedAccountDirectory) store(ctx context.Context, keys KeySet) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO account_key_cache (account, owner_keys, active_keys, posting_keys, memo_keys, refreshed_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (account) DO UPDATE
		SET owner_keys = EXCLUDED.owner_keys, active_keys = EXCLUDED.active_keys,
		    posting_keys = EXCLUDED.posting_keys, memo_keys = EXCLUDED.memo_keys, refreshed_at = now()
	`, keys.Account,
		encodeKeys(keys.Owner, d.keyPrefix), encodeKeys(keys.Active, d.keyPrefix),
		encodeKeys(keys.Posting, d.keyPrefix), encodeKeys(keys.Memo, d.keyPrefix))
	if err != nil {
		return fmt.Errorf("identity: upsert account key cache: %w", err)
	}
	return nil
}
