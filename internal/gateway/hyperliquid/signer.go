package hyperliquid

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/ugorji/go/codec"
)

// L1 action 的 EIP-712 域：固定 chainId 1337，零地址合约
var agentDomain = apitypes.TypedDataDomain{
	Name:              "Exchange",
	Version:           "1",
	ChainId:           (*math.HexOrDecimal256)(big.NewInt(1337)),
	VerifyingContract: "0x0000000000000000000000000000000000000000",
}

var agentTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Agent": []apitypes.Type{
		{Name: "source", Type: "string"},
		{Name: "connectionId", Type: "bytes32"},
	},
}

// Signature r/s 为 0x 开头的 hex，v 为 27/28
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V byte   `json:"v"`
}

// Signer 用 API wallet（agent）私钥对 L1 action 签名
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	mainnet bool
}

func NewSigner(hexKey string, mainnet bool) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey), mainnet: mainnet}, nil
}

// Address 签名者地址
func (s *Signer) Address() common.Address { return s.address }

func msgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true // 使用 str8/bin 新格式
	return h
}

// actionHash keccak256(msgpack(action) || nonce(8 字节大端) || vault 标记 [|| vault 地址])
func actionHash(action interface{}, vault string, nonce uint64) ([]byte, error) {
	var data []byte
	if err := codec.NewEncoderBytes(&data, msgpackHandle()).Encode(action); err != nil {
		return nil, fmt.Errorf("msgpack action: %w", err)
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	data = append(data, n[:]...)
	if vault == "" {
		data = append(data, 0x00)
	} else {
		data = append(data, 0x01)
		data = append(data, common.HexToAddress(vault).Bytes()...)
	}
	return crypto.Keccak256(data), nil
}

// agentDigest phantom agent 的 EIP-712 摘要
func (s *Signer) agentDigest(connectionID []byte) ([]byte, error) {
	source := "b"
	if s.mainnet {
		source = "a"
	}
	typedData := apitypes.TypedData{
		Types:       agentTypes,
		PrimaryType: "Agent",
		Domain:      agentDomain,
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": hexutil.Encode(connectionID),
		},
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}
	// keccak256("\x19\x01" || domainSeparator || messageHash)
	raw := append([]byte{0x19, 0x01}, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}

// SignAction 对一个 L1 action 签名
func (s *Signer) SignAction(action interface{}, vault string, nonce uint64) (Signature, error) {
	hash, err := actionHash(action, vault, nonce)
	if err != nil {
		return Signature{}, err
	}
	digest, err := s.agentDigest(hash)
	if err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return Signature{}, fmt.Errorf("sign: %w", err)
	}
	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}
