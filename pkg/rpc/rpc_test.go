package rpc_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/catalogfi/fusion/pkg/auction"
	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/coordinator"
	"github.com/catalogfi/fusion/pkg/mock"
	"github.com/catalogfi/fusion/pkg/relay"
	"github.com/catalogfi/fusion/pkg/rpc"
	"github.com/catalogfi/fusion/pkg/store"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spruceid/siwe-go"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Server", func() {
	var (
		ctx       context.Context
		key       *ecdsa.PrivateKey
		lockChain *mock.LockChain
		rel       relay.Relay
		coord     coordinator.Coordinator
		handler   http.Handler
	)

	post := func(path string, auth func(*http.Request), body interface{}) *httptest.ResponseRecorder {
		data, err := json.Marshal(body)
		Expect(err).Should(BeNil())
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		if auth != nil {
			auth(req)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	operator := func(req *http.Request) {
		req.SetBasicAuth("admin", "pass")
	}

	bearer := func(token string) func(*http.Request) {
		return func(req *http.Request) {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	call := func(path string, auth func(*http.Request), method string, params interface{}) (int, rpc.Response) {
		data, err := json.Marshal(params)
		Expect(err).Should(BeNil())
		rec := post(path, auth, rpc.Request{Version: "2.0", ID: 1, Method: method, Params: data})
		resp := rpc.Response{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).Should(Succeed())
		return rec.Code, resp
	}

	login := func(signer *ecdsa.PrivateKey) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/nonce", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		Expect(rec.Code).Should(Equal(http.StatusOK))
		nonce := map[string]string{}
		Expect(json.Unmarshal(rec.Body.Bytes(), &nonce)).Should(Succeed())

		address := crypto.PubkeyToAddress(signer.PublicKey)
		message, err := siwe.InitMessage("fusion.test", address.Hex(), "https://fusion.test", nonce["nonce"], map[string]interface{}{
			"chainId": 1,
		})
		Expect(err).Should(BeNil())
		msg := message.String()
		sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), signer)
		Expect(err).Should(BeNil())
		sig[64] += 27

		return post("/verify", nil, rpc.VerifySiwe{Message: msg, Signature: hexutil.Encode(sig)})
	}

	startSwap := func() string {
		_, hashLock, err := swap.NewSecret()
		Expect(err).Should(BeNil())
		code, resp := call("/", operator, "startSwap", rpc.StartSwapParams{
			Initiator:    "0xinitiator",
			Recipient:    "GINITIATOR",
			LockAmount:   "1000",
			SettleAmount: "2000",
			HashLock:     hashLock.Hex(),
			Timelock:     time.Now().Add(time.Hour).Unix(),
		})
		Expect(code).Should(Equal(http.StatusOK))
		Expect(resp.Error).Should(BeNil())
		result := rpc.StartSwapResult{}
		Expect(json.Unmarshal(resp.Result, &result)).Should(Succeed())

		s, err := coord.GetSwap(ctx, result.SwapID)
		Expect(err).Should(BeNil())
		lockRef, err := lockChain.LockFunds(ctx, chain.LockRequest{
			SwapID:   s.ID,
			HashLock: s.HashLock,
			Timelock: s.TimelockExpiry,
			Amount:   s.LockAmount,
			Units:    s.TotalUnits,
		})
		Expect(err).Should(BeNil())
		code, resp = call("/", operator, "confirmLock", rpc.ConfirmLockParams{SwapID: s.ID, LockRef: lockRef})
		Expect(code).Should(Equal(http.StatusOK))
		Expect(resp.Error).Should(BeNil())
		return s.ID
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		key, err = crypto.GenerateKey()
		Expect(err).Should(BeNil())

		resolvers := swap.Resolvers{
			"r1": {ID: "r1", Name: "alpha", LockAddress: crypto.PubkeyToAddress(key.PublicKey).Hex(), SettleAddress: "GR1"},
			"r2": {ID: "r2", Name: "beta", SettleAddress: "GR2"},
		}

		registry := store.NewMemRegistry()
		lockChain = mock.NewLockChain(time.Now)
		settlement := mock.NewSettlementChain(time.Now)
		rel = relay.New(registry, settlement, relay.Claimers{"r1": lockChain.As("r1")}, store.NewMemActionStore(), relay.NewOptions(), zap.NewNop())
		coord, err = coordinator.New(registry, lockChain.As("initiator"), settlement, rel, resolvers, auction.DefaultSchedule(), coordinator.NewOptions(), zap.NewNop())
		Expect(err).Should(BeNil())
		Expect(coord.Start()).Should(Succeed())

		server, err := rpc.NewServer(coord, rpc.Options{
			Username:  "admin",
			Password:  "pass",
			JWTSecret: "secret",
		}, zap.NewNop())
		Expect(err).Should(BeNil())
		handler = server.Handler()
	})

	AfterEach(func() {
		coord.Stop()
		rel.Stop()
	})

	It("should require operator credentials", func() {
		rec := post("/", nil, rpc.Request{Version: "2.0", ID: 1, Method: "resolvers"})
		Expect(rec.Code).Should(Equal(http.StatusUnauthorized))

		rec = post("/", func(req *http.Request) { req.SetBasicAuth("admin", "wrong") }, rpc.Request{Version: "2.0", ID: 1, Method: "resolvers"})
		Expect(rec.Code).Should(Equal(http.StatusUnauthorized))
	})

	It("should reject malformed requests", func() {
		code, resp := call("/", operator, "noSuchMethod", nil)
		Expect(code).Should(Equal(http.StatusNotFound))
		Expect(resp.Error.Code).Should(Equal(rpc.ErrorCodeMethodNotFound))

		rec := post("/", operator, rpc.Request{Version: "1.0", ID: 1, Method: "resolvers"})
		Expect(rec.Code).Should(Equal(http.StatusBadRequest))

		code, resp = call("/", operator, "startSwap", rpc.StartSwapParams{LockAmount: "ten", SettleAmount: "20"})
		Expect(code).Should(Equal(http.StatusBadRequest))
		Expect(resp.Error.Code).Should(Equal(rpc.ErrorCodeInvalidParams))
	})

	It("should map coordinator errors onto error codes", func() {
		code, resp := call("/", operator, "getSwapStatus", rpc.SwapParams{SwapID: "0xmissing"})
		Expect(code).Should(Equal(http.StatusNotFound))
		Expect(resp.Error.Code).Should(Equal(rpc.ErrorCodeNotFound))

		id := startSwap()
		code, resp = call("/", operator, "submitBid", rpc.BidParams{SwapID: id, ResolverID: "r2", Percent: 15})
		Expect(code).Should(Equal(http.StatusBadRequest))
		Expect(resp.Error.Code).Should(Equal(rpc.ErrorCodeInvalidParams))

		code, resp = call("/", operator, "refund", rpc.SwapParams{SwapID: id})
		Expect(code).Should(Equal(http.StatusGone))
		Expect(resp.Error.Code).Should(Equal(rpc.ErrorCodeExpired))
	})

	It("should run an auction through the operator endpoint", func() {
		id := startSwap()

		code, resp := call("/", operator, "listAuctions", nil)
		Expect(code).Should(Equal(http.StatusOK))
		ids := []string{}
		Expect(json.Unmarshal(resp.Result, &ids)).Should(Succeed())
		Expect(ids).Should(ContainElement(id))

		code, resp = call("/", operator, "submitBid", rpc.BidParams{SwapID: id, ResolverID: "r2", Percent: 30})
		Expect(code).Should(Equal(http.StatusOK))
		bid := auction.Bid{}
		Expect(json.Unmarshal(resp.Result, &bid)).Should(Succeed())
		Expect(bid.ResolverID).Should(Equal("r2"))
		Expect(bid.Slots).Should(Equal([]int{0, 1, 2}))

		code, resp = call("/", operator, "getAuctionStatus", rpc.SwapParams{SwapID: id})
		Expect(code).Should(Equal(http.StatusOK))
		state := auction.State{}
		Expect(json.Unmarshal(resp.Result, &state)).Should(Succeed())
		Expect(state.Remaining).Should(Equal(7))
		Expect(state.Active).Should(BeTrue())

		code, resp = call("/", operator, "resolverStats", rpc.SwapParams{SwapID: id})
		Expect(code).Should(Equal(http.StatusOK))
		stats := []coordinator.ResolverStat{}
		Expect(json.Unmarshal(resp.Result, &stats)).Should(Succeed())
		Expect(stats).Should(HaveLen(1))
		Expect(stats[0].Units).Should(Equal(3))

		code, resp = call("/", operator, "history", rpc.HistoryParams{Address: "0xinitiator"})
		Expect(code).Should(Equal(http.StatusOK))
		history := coordinator.History{}
		Expect(json.Unmarshal(resp.Result, &history)).Should(Succeed())
		Expect(history.Swaps).Should(HaveLen(1))
	})

	Context("when a resolver signs in", func() {
		It("should issue a token that bids as that resolver", func() {
			id := startSwap()

			rec := login(key)
			Expect(rec.Code).Should(Equal(http.StatusOK))
			token := map[string]string{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &token)).Should(Succeed())
			Expect(token["token"]).ShouldNot(BeEmpty())

			code, resp := call("/resolver", bearer(token["token"]), "submitBid", rpc.BidParams{SwapID: id, ResolverID: "r2", Percent: 20})
			Expect(code).Should(Equal(http.StatusOK))
			bid := auction.Bid{}
			Expect(json.Unmarshal(resp.Result, &bid)).Should(Succeed())
			Expect(bid.ResolverID).Should(Equal("r1"))

			code, resp = call("/resolver", bearer(token["token"]), "confirmEscrow", rpc.EscrowParams{SwapID: id, Slots: []int{5}, EscrowRef: "x"})
			Expect(code).Should(Equal(http.StatusBadRequest))
			Expect(resp.Error.Code).Should(Equal(rpc.ErrorCodeInvalidParams))

			code, resp = call("/resolver", bearer(token["token"]), "refund", rpc.SwapParams{SwapID: id})
			Expect(code).Should(Equal(http.StatusNotFound))
			Expect(resp.Error.Code).Should(Equal(rpc.ErrorCodeMethodNotFound))
		})

		It("should refuse unknown wallets", func() {
			stranger, err := crypto.GenerateKey()
			Expect(err).Should(BeNil())
			Expect(login(stranger).Code).Should(Equal(http.StatusForbidden))
		})

		It("should refuse missing or forged tokens", func() {
			rec := post("/resolver", nil, rpc.Request{Version: "2.0", ID: 1, Method: "listAuctions"})
			Expect(rec.Code).Should(Equal(http.StatusUnauthorized))

			rec = post("/resolver", bearer("not.a.token"), rpc.Request{Version: "2.0", ID: 1, Method: "listAuctions"})
			Expect(rec.Code).Should(Equal(http.StatusUnauthorized))
		})

		It("should not accept a nonce twice", func() {
			req := httptest.NewRequest(http.MethodGet, "/nonce", nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			nonce := map[string]string{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &nonce)).Should(Succeed())

			address := crypto.PubkeyToAddress(key.PublicKey)
			message, err := siwe.InitMessage("fusion.test", address.Hex(), "https://fusion.test", nonce["nonce"], map[string]interface{}{"chainId": 1})
			Expect(err).Should(BeNil())
			sig, err := crypto.Sign(accounts.TextHash([]byte(message.String())), key)
			Expect(err).Should(BeNil())
			sig[64] += 27
			body := rpc.VerifySiwe{Message: message.String(), Signature: hexutil.Encode(sig)}

			Expect(post("/verify", nil, body).Code).Should(Equal(http.StatusOK))
			rec = post("/verify", nil, body)
			Expect(rec.Code).Should(Equal(http.StatusUnauthorized))
			Expect(rec.Body.String()).Should(ContainSubstring("unknown nonce"))
		})
	})
})
