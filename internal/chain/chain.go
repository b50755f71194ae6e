// Package chain resolves ERC-721 token metadata: tokenURI on chain, then the
// metadata document over HTTP.
package chain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const erc721ABI = `[{"inputs":[{"internalType":"uint256","name":"tokenId","type":"uint256"}],"name":"tokenURI","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"}]`

var parsedABI = mustParseABI(erc721ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// maxMetadataBytes caps metadata documents.
const maxMetadataBytes = 1 << 20

// Caller is satisfied by *ethclient.Client.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Dialer opens the chain connection on first use.
type Dialer func(ctx context.Context) (Caller, error)

// Metadata is a token metadata document. Only image is interpreted.
type Metadata map[string]any

// Image returns the image field when it is a non-empty string.
func (m Metadata) Image() string {
	s, _ := m["image"].(string)
	return s
}

// Config for a Resolver.
type Config struct {
	Contract    string
	IPFSGateway string // e.g. https://ipfs.io/ipfs/
	HTTPClient  *http.Client
}

// Resolver fetches metadata for tokens of one contract. The chain connection
// is opened lazily on the first call and then shared by all callers; a failed
// dial is retried by the next caller.
type Resolver struct {
	contract common.Address
	gateway  string
	http     *http.Client
	dial     Dialer

	mu     sync.Mutex
	caller Caller
}

func NewResolver(cfg Config, dial Dialer) (*Resolver, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("chain: invalid contract address %q", cfg.Contract)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Resolver{
		contract: common.HexToAddress(cfg.Contract),
		gateway:  cfg.IPFSGateway,
		http:     hc,
		dial:     dial,
	}, nil
}

// DialEthereum returns a Dialer for a JSON-RPC URL. A non-empty secret is
// sent as HTTP basic auth, which is how Infura project secrets work.
func DialEthereum(url, projectID, secret string) Dialer {
	return func(ctx context.Context) (Caller, error) {
		var opts []rpc.ClientOption
		if secret != "" {
			token := base64.StdEncoding.EncodeToString([]byte(projectID + ":" + secret))
			opts = append(opts, rpc.WithHeader("Authorization", "Basic "+token))
		}
		c, err := rpc.DialOptions(ctx, url, opts...)
		if err != nil {
			return nil, err
		}
		return ethclient.NewClient(c), nil
	}
}

func (r *Resolver) client(ctx context.Context) (Caller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.caller != nil {
		return r.caller, nil
	}
	c, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum: %w", err)
	}
	r.caller = c
	return c, nil
}

// TokenURI calls tokenURI(tokenID) on the contract.
func (r *Resolver) TokenURI(ctx context.Context, tokenID *big.Int) (string, error) {
	c, err := r.client(ctx)
	if err != nil {
		return "", err
	}
	data, err := parsedABI.Pack("tokenURI", tokenID)
	if err != nil {
		return "", fmt.Errorf("pack tokenURI: %w", err)
	}
	out, err := c.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("call tokenURI(%s): %w", tokenID, err)
	}
	vals, err := parsedABI.Unpack("tokenURI", out)
	if err != nil {
		return "", fmt.Errorf("unpack tokenURI: %w", err)
	}
	uri, ok := vals[0].(string)
	if !ok || uri == "" {
		return "", errors.New("tokenURI returned no value")
	}
	return uri, nil
}

// Metadata resolves and downloads the metadata document of tokenID.
func (r *Resolver) Metadata(ctx context.Context, tokenID *big.Int) (Metadata, error) {
	uri, err := r.TokenURI(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return r.Fetch(ctx, uri)
}

// Fetch downloads a metadata document. data:application/json URIs are
// decoded in place.
func (r *Resolver) Fetch(ctx context.Context, uri string) (Metadata, error) {
	if strings.HasPrefix(uri, "data:") {
		return decodeDataURI(uri)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.ResolveURL(uri), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch metadata: status %d", resp.StatusCode)
	}
	var md Metadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataBytes)).Decode(&md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}

// ResolveURL rewrites ipfs:// URIs onto the configured gateway.
func (r *Resolver) ResolveURL(uri string) string {
	if r.gateway == "" || !strings.HasPrefix(uri, "ipfs://") {
		return uri
	}
	path := strings.TrimPrefix(strings.TrimPrefix(uri, "ipfs://"), "ipfs/")
	return strings.TrimSuffix(r.gateway, "/") + "/" + path
}

func decodeDataURI(uri string) (Metadata, error) {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return nil, errors.New("malformed data uri")
	}
	header, payload := uri[len("data:"):comma], uri[comma+1:]
	if !strings.HasPrefix(header, "application/json") {
		return nil, fmt.Errorf("unsupported data uri type %q", header)
	}
	body := []byte(payload)
	if strings.HasSuffix(header, ";base64") {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("decode data uri: %w", err)
		}
		body = decoded
	}
	var md Metadata
	if err := json.Unmarshal(body, &md); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return md, nil
}
