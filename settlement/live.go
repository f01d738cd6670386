// SPDX-FileCopyrightText: © 2025 The TunnelCraft Authors
// SPDX-License-Identifier: AGPL-3.0-only

package settlement

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/tunnelcraft/tunnelcraft/core/codec"
	"github.com/tunnelcraft/tunnelcraft/core/crypto"
	"github.com/tunnelcraft/tunnelcraft/core/hopmode"
	"github.com/tunnelcraft/tunnelcraft/core/merkle"
)

const (
	// DefaultRPCTimeout bounds one JSON-RPC call.
	DefaultRPCTimeout = 30 * time.Second

	maxRPCResponse = 1 << 20
)

// Instruction names, hashed into the discriminators.
const (
	InstructionSubscribe        = "subscribe"
	InstructionPostDistribution = "post_distribution"
	InstructionClaimRewards     = "claim_rewards"
	InstructionWithdraw         = "withdraw"
)

var (
	// ErrRPC is returned for transport or protocol level RPC failures.
	ErrRPC = errors.New("settlement: rpc failure")

	// ErrAccountNotFound is returned when an account doesn't exist.
	ErrAccountNotFound = errors.New("settlement: account not found")

	programErrors = map[string]error{
		"EpochNotComplete":          ErrEpochNotComplete,
		"DistributionNotPosted":     ErrDistributionNotPosted,
		"DistributionAlreadyPosted": ErrDistributionAlreadyPosted,
		"AlreadyClaimed":            ErrAlreadyClaimed,
		"AlreadySubscribed":         ErrAlreadySubscribed,
		"InvalidMerkleProof":        ErrInvalidClaim,
		"PoolClosed":                ErrPoolClosed,
		"NothingToWithdraw":         ErrNothingToWithdraw,
		"InvalidAmount":             ErrInvalidAmount,
	}
)

// Commitment is the confirmation level requested from the RPC node.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// ParseCommitment validates a commitment level.
func ParseCommitment(s string) (Commitment, error) {
	switch c := Commitment(strings.ToLower(s)); c {
	case CommitmentProcessed, CommitmentConfirmed, CommitmentFinalized:
		return c, nil
	case "":
		return CommitmentConfirmed, nil
	default:
		return "", fmt.Errorf("settlement: unknown commitment '%v'", s)
	}
}

// LiveConfig configures a LiveClient.
type LiveConfig struct {
	RPCURL     string
	ProgramID  crypto.PublicKey
	Commitment Commitment
	Timeout    time.Duration
}

// Transaction is a signed program instruction.
type Transaction struct {
	ProgramID crypto.PublicKey `cbor:"program_id"`
	Signer    crypto.PublicKey `cbor:"signer"`
	Data      []byte           `cbor:"data"`
	Timestamp uint64           `cbor:"timestamp"`
	Signature crypto.Signature `cbor:"signature"`
}

func (t *Transaction) signableData() []byte {
	b := make([]byte, 0, 2*crypto.KeySize+len(t.Data)+8)
	b = append(b, t.ProgramID[:]...)
	b = append(b, t.Signer[:]...)
	b = append(b, t.Data...)
	return binary.LittleEndian.AppendUint64(b, t.Timestamp)
}

// Verify checks the signer's signature.
func (t *Transaction) Verify() bool {
	return crypto.Verify(t.Signer, t.signableData(), t.Signature)
}

// LiveClient submits instructions to the pool program over JSON-RPC.
type LiveClient struct {
	log    *logging.Logger
	cfg    LiveConfig
	signer *crypto.SigningKeypair
	http   *http.Client
	seq    atomic.Uint64

	now func() time.Time
}

// NewLiveClient returns a client signing with signer.
func NewLiveClient(log *logging.Logger, cfg LiveConfig, signer *crypto.SigningKeypair) (*LiveClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("settlement: missing rpc url")
	}
	if cfg.ProgramID.IsZero() {
		return nil, fmt.Errorf("settlement: missing program id")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = CommitmentConfirmed
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRPCTimeout
	}
	return &LiveClient{
		log:    log,
		cfg:    cfg,
		signer: signer,
		http:   &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (c *LiveClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	req := &rpcRequest{JSONRPC: "2.0", ID: c.seq.Add(1), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RPCURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")

	hresp, err := c.http.Do(hreq)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPC, err)
	}
	defer hresp.Body.Close()
	if hresp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: http status %d", ErrRPC, hresp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(hresp.Body, maxRPCResponse))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPC, err)
	}

	var resp rpcResponse
	if err = json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrRPC, err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("%w: response id mismatch", ErrRPC)
	}
	if resp.Error != nil {
		for name, perr := range programErrors {
			if strings.Contains(resp.Error.Message, name) {
				return perr
			}
		}
		return fmt.Errorf("%w: %d %v", ErrRPC, resp.Error.Code, resp.Error.Message)
	}
	if result == nil {
		return nil
	}
	return json.Unmarshal(resp.Result, result)
}

func (c *LiveClient) submit(ctx context.Context, instruction string, args []byte) (string, error) {
	d := Discriminator(instruction)
	tx := &Transaction{
		ProgramID: c.cfg.ProgramID,
		Signer:    c.signer.PublicKey(),
		Data:      append(d[:], args...),
		Timestamp: uint64(c.now().Unix()),
	}
	tx.Signature = c.signer.Sign(tx.signableData())
	b, err := codec.Marshal(tx)
	if err != nil {
		return "", err
	}

	var sig string
	opts := map[string]interface{}{
		"encoding":            "base64",
		"preflightCommitment": string(c.cfg.Commitment),
	}
	if err = c.call(ctx, "sendTransaction", []interface{}{base64.StdEncoding.EncodeToString(b), opts}, &sig); err != nil {
		return "", err
	}
	c.log.Debugf("Submitted %v: %v", instruction, sig)
	return sig, nil
}

type accountInfo struct {
	Value *struct {
		Data []string `json:"data"`
	} `json:"value"`
}

func (c *LiveClient) account(ctx context.Context, addr crypto.PublicKey, v interface{}) error {
	var info accountInfo
	opts := map[string]interface{}{
		"encoding":   "base64",
		"commitment": string(c.cfg.Commitment),
	}
	if err := c.call(ctx, "getAccountInfo", []interface{}{addr.String(), opts}, &info); err != nil {
		return err
	}
	if info.Value == nil || len(info.Value.Data) == 0 {
		return ErrAccountNotFound
	}
	raw, err := base64.StdEncoding.DecodeString(info.Value.Data[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRPC, err)
	}
	return codec.Unmarshal(raw, v)
}

// UserAccount returns the address holding user's current subscription.
func UserAccount(user crypto.PublicKey) crypto.PublicKey {
	return crypto.PublicKey(crypto.Sum256([]byte("tunnelcraft-user"), user[:]))
}

// NodeAccount returns the address holding relay's reward account.
func NodeAccount(relay crypto.PublicKey) crypto.PublicKey {
	return crypto.PublicKey(crypto.Sum256([]byte("tunnelcraft-node"), relay[:]))
}

// Subscribe implements Client.
func (c *LiveClient) Subscribe(ctx context.Context, user crypto.PublicKey, tier hopmode.Tier, amount uint64) (*Subscription, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	args := make([]byte, 0, crypto.KeySize+1+8)
	args = append(args, user[:]...)
	args = append(args, byte(tier))
	args = binary.LittleEndian.AppendUint64(args, amount)
	if _, err := c.submit(ctx, InstructionSubscribe, args); err != nil {
		return nil, err
	}
	return c.Subscription(ctx, user)
}

// PostDistribution implements Client.
func (c *LiveClient) PostDistribution(ctx context.Context, user crypto.PublicKey, root merkle.Hash, totalBytes uint64) error {
	args := make([]byte, 0, 2*crypto.KeySize+8)
	args = append(args, user[:]...)
	args = append(args, root[:]...)
	args = binary.LittleEndian.AppendUint64(args, totalBytes)
	_, err := c.submit(ctx, InstructionPostDistribution, args)
	return err
}

// ClaimRewards implements Client. The payout is computed from the pool
// state read before submission.
func (c *LiveClient) ClaimRewards(ctx context.Context, cl *Claim) (uint64, error) {
	if cl.Proof == nil {
		return 0, ErrInvalidClaim
	}
	s, err := c.Subscription(ctx, cl.UserPubkey)
	if err != nil {
		return 0, err
	}

	args := make([]byte, 0, 2*crypto.KeySize+16+len(cl.Proof.Siblings)*32)
	args = append(args, cl.UserPubkey[:]...)
	args = append(args, cl.RelayPubkey[:]...)
	args = binary.LittleEndian.AppendUint64(args, cl.RelayBytes)
	args = binary.LittleEndian.AppendUint32(args, cl.Proof.Index)
	args = binary.LittleEndian.AppendUint32(args, uint32(len(cl.Proof.Siblings)))
	for _, h := range cl.Proof.Siblings {
		args = append(args, h[:]...)
	}
	if _, err = c.submit(ctx, InstructionClaimRewards, args); err != nil {
		return 0, err
	}
	payout := Payout(cl.RelayBytes, s.OriginalPoolBalance, s.TotalReceipts)
	if payout > s.PoolBalance {
		payout = s.PoolBalance
	}
	return payout, nil
}

// Withdraw implements Client.
func (c *LiveClient) Withdraw(ctx context.Context, relay crypto.PublicKey) (uint64, error) {
	n, err := c.Node(ctx, relay)
	if err != nil {
		return 0, err
	}
	if n.UnclaimedRewards == 0 {
		return 0, ErrNothingToWithdraw
	}
	if _, err = c.submit(ctx, InstructionWithdraw, relay[:]); err != nil {
		return 0, err
	}
	return n.UnclaimedRewards, nil
}

// Subscription implements Client.
func (c *LiveClient) Subscription(ctx context.Context, user crypto.PublicKey) (*Subscription, error) {
	s := new(Subscription)
	if err := c.account(ctx, UserAccount(user), s); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, ErrUnknownSubscription
		}
		return nil, err
	}
	return s, nil
}

// Node implements Client.
func (c *LiveClient) Node(ctx context.Context, relay crypto.PublicKey) (*Node, error) {
	n := new(Node)
	if err := c.account(ctx, NodeAccount(relay), n); err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return &Node{RelayPubkey: relay}, nil
		}
		return nil, err
	}
	return n, nil
}
