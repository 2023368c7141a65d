package txn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ezdrm/mintpool/internal/config"
	"github.com/ezdrm/mintpool/internal/minterr"
)

// Signer produces a 65-byte [R || S || V] signature over a transaction
// digest. keyRef identifies the key (a hex private key for the local signer,
// a key id for a remote signing service); address is the expected signer
// address, used to recover V when the backend only returns R and S.
type Signer interface {
	Sign(ctx context.Context, keyRef, address string, digest []byte) ([]byte, error)
}

// SignTx signs tx with the latest signer for chainID and returns the signed
// transaction along with its hex-encoded raw form ready for broadcast.
func SignTx(ctx context.Context, s Signer, keyRef, address string, chainID *big.Int, tx *types.Transaction) (*types.Transaction, string, error) {
	txSigner := types.LatestSignerForChainID(chainID)
	digest := txSigner.Hash(tx).Bytes()

	sig, err := s.Sign(ctx, keyRef, address, digest)
	if err != nil {
		return nil, "", minterr.SigningFailed(err)
	}

	signed, err := tx.WithSignature(txSigner, sig)
	if err != nil {
		return nil, "", minterr.SigningFailed(fmt.Errorf("apply signature: %w", err))
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, "", minterr.SigningFailed(fmt.Errorf("serialize transaction: %w", err))
	}
	return signed, hexutil.Encode(raw), nil
}

// LocalSigner signs with an in-process secp256k1 key. keyRef is the hex
// private key itself.
type LocalSigner struct{}

func NewLocalSigner() *LocalSigner {
	return &LocalSigner{}
}

func (s *LocalSigner) Sign(ctx context.Context, keyRef, address string, digest []byte) ([]byte, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyRef, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return sig, nil
}

// RemoteSigner delegates signing to an HTTP service that holds the keys.
// The service returns only R and S; the recovery id is found by trial
// recovery against the worker's known address.
type RemoteSigner struct {
	httpClient *http.Client
	url        string
}

func NewRemoteSigner(cfg config.SignerConfig) *RemoteSigner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RemoteSigner{
		httpClient: &http.Client{Timeout: timeout},
		url:        cfg.RemoteURL,
	}
}

type remoteSignRequest struct {
	KeyID  string `json:"keyId"`
	Digest string `json:"digest"`
}

type remoteSignResponse struct {
	R string `json:"r"`
	S string `json:"s"`
}

func (s *RemoteSigner) Sign(ctx context.Context, keyRef, address string, digest []byte) ([]byte, error) {
	body, err := json.Marshal(remoteSignRequest{
		KeyID:  keyRef,
		Digest: hexutil.Encode(digest),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sign response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sign status %d: %s", resp.StatusCode, string(respBody))
	}

	var signResp remoteSignResponse
	if err := json.Unmarshal(respBody, &signResp); err != nil {
		return nil, fmt.Errorf("unmarshal sign response: %w", err)
	}

	r, err := hexutil.Decode(signResp.R)
	if err != nil {
		return nil, fmt.Errorf("decode r: %w", err)
	}
	sVal, err := hexutil.Decode(signResp.S)
	if err != nil {
		return nil, fmt.Errorf("decode s: %w", err)
	}

	return AssembleSignature(digest, r, sVal, address)
}

// AssembleSignature normalizes S to the lower half of the curve order and
// determines the recovery id by trying both candidates and recovering the
// signer address. Backends like KMS do not report which half of the curve
// the public key landed on, so V cannot be assumed.
func AssembleSignature(digest, r, s []byte, address string) ([]byte, error) {
	curveN := crypto.S256().Params().N
	halfN := new(big.Int).Rsh(curveN, 1)

	sInt := new(big.Int).SetBytes(s)
	if sInt.Cmp(halfN) > 0 {
		sInt.Sub(curveN, sInt)
	}

	sig := make([]byte, 65)
	rInt := new(big.Int).SetBytes(r)
	rInt.FillBytes(sig[:32])
	sInt.FillBytes(sig[32:64])

	want := common.HexToAddress(address)
	for _, v := range []byte{0, 1} {
		sig[64] = v
		pub, err := crypto.SigToPub(digest, sig)
		if err != nil {
			continue
		}
		if crypto.PubkeyToAddress(*pub) == want {
			out := make([]byte, 65)
			copy(out, sig)
			return out, nil
		}
	}
	return nil, fmt.Errorf("signature does not recover to %s", address)
}
