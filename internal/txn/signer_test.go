package txn

import (
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezdrm/mintpool/internal/config"
	"github.com/ezdrm/mintpool/internal/minterr"
)

func unsignedMintTx(t *testing.T) *types.Transaction {
	t.Helper()
	builder, err := NewBuilder(&estimateOnlyClient{gas: 100000}, testContract, 2021)
	require.NoError(t, err)
	tx, err := builder.Build(context.Background(), mintPayload(), "ipfs://QmTestHash", testWorker, 3, testFees())
	require.NoError(t, err)
	return tx
}

func TestLocalSigner_SignTxRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey)
	keyHex := hexutil.Encode(crypto.FromECDSA(key))

	tx := unsignedMintTx(t)
	chainID := big.NewInt(2021)

	signed, raw, err := SignTx(context.Background(), NewLocalSigner(), keyHex, address.Hex(), chainID, tx)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	assert.Equal(t, "0x02", raw[:4], "typed transaction envelope")

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, address, sender)

	// Raw form decodes back to the same transaction.
	decoded := new(types.Transaction)
	require.NoError(t, decoded.UnmarshalBinary(hexutil.MustDecode(raw)))
	assert.Equal(t, signed.Hash(), decoded.Hash())
}

func TestLocalSigner_BadKey(t *testing.T) {
	tx := unsignedMintTx(t)

	_, _, err := SignTx(context.Background(), NewLocalSigner(), "zz-not-hex", testWorker, big.NewInt(2021), tx)
	require.Error(t, err)
	assert.Equal(t, minterr.KindSigningFailed, minterr.KindOf(err))
}

func TestRemoteSigner_TrialRecovery(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey)

	var gotKeyID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req remoteSignRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		gotKeyID = req.KeyID

		digest := hexutil.MustDecode(req.Digest)
		sig, err := crypto.Sign(digest, key)
		require.NoError(t, err)

		// The service hands back only r and s, never the recovery id.
		resp := remoteSignResponse{
			R: hexutil.Encode(sig[:32]),
			S: hexutil.Encode(sig[32:64]),
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	signer := NewRemoteSigner(config.SignerConfig{
		Mode:      "remote",
		RemoteURL: server.URL,
		Timeout:   5 * time.Second,
	})

	tx := unsignedMintTx(t)
	chainID := big.NewInt(2021)

	signed, raw, err := SignTx(context.Background(), signer, "kms-key-1", address.Hex(), chainID, tx)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	assert.Equal(t, "kms-key-1", gotKeyID)

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, address, sender)
}

func TestRemoteSigner_WrongAddress(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req remoteSignRequest
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))

		digest := hexutil.MustDecode(req.Digest)
		sig, err := crypto.Sign(digest, key)
		require.NoError(t, err)
		json.NewEncoder(w).Encode(remoteSignResponse{
			R: hexutil.Encode(sig[:32]),
			S: hexutil.Encode(sig[32:64]),
		})
	}))
	defer server.Close()

	signer := NewRemoteSigner(config.SignerConfig{RemoteURL: server.URL, Timeout: 5 * time.Second})

	// Expect a different address than the one the service signs with.
	_, _, err = SignTx(context.Background(), signer, "kms-key-1", testWorker, big.NewInt(2021), unsignedMintTx(t))
	require.Error(t, err)
	assert.Equal(t, minterr.KindSigningFailed, minterr.KindOf(err))
	assert.Contains(t, err.Error(), "does not recover")
}

func TestRemoteSigner_ServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "key not found", http.StatusNotFound)
	}))
	defer server.Close()

	signer := NewRemoteSigner(config.SignerConfig{RemoteURL: server.URL, Timeout: 5 * time.Second})

	_, _, err := SignTx(context.Background(), signer, "missing-key", testWorker, big.NewInt(2021), unsignedMintTx(t))
	require.Error(t, err)
	assert.Equal(t, minterr.KindSigningFailed, minterr.KindOf(err))
}

func TestAssembleSignature_NormalizesHighS(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	address := crypto.PubkeyToAddress(key.PublicKey)

	digest := crypto.Keccak256([]byte("mint digest"))
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)

	// Flip s to the high half of the curve, as KMS backends may return it.
	curveN := crypto.S256().Params().N
	s := new(big.Int).SetBytes(sig[32:64])
	highS := new(big.Int).Sub(curveN, s)
	highSBytes := make([]byte, 32)
	highS.FillBytes(highSBytes)

	out, err := AssembleSignature(digest, sig[:32], highSBytes, address.Hex())
	require.NoError(t, err)

	pub, err := crypto.SigToPub(digest, out)
	require.NoError(t, err)
	assert.Equal(t, address, crypto.PubkeyToAddress(*pub))
	assert.LessOrEqual(t, new(big.Int).SetBytes(out[32:64]).Cmp(new(big.Int).Rsh(curveN, 1)), 0)
}
