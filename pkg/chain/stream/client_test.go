package stream_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/chain"
	"github.com/catalogfi/fusion/pkg/chain/stream"
	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// testLedger is a tiny escrow API with a websocket activity feed.
type testLedger struct {
	mu       sync.Mutex
	escrows  map[string]string
	claimed  map[string]bool
	conns    map[string][]*websocket.Conn
	requests int
	limited  int
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func newTestLedger() *testLedger {
	return &testLedger{
		escrows: map[string]string{},
		claimed: map[string]bool{},
		conns:   map[string][]*websocket.Conn{},
	}
}

func (l *testLedger) router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/escrows", func(c *gin.Context) {
		var req struct {
			HashLock string `json:"hashLock"`
			Amount   string `json:"amount"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		l.requests++
		if l.limited > 0 {
			l.limited--
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "slow down"})
			return
		}
		ref := fmt.Sprintf("GESCROW%d", len(l.escrows)+1)
		l.escrows[ref] = req.HashLock
		c.JSON(http.StatusOK, gin.H{"ref": ref})
	})
	router.POST("/escrows/:ref/claim", func(c *gin.Context) {
		var req struct {
			Preimage string `json:"preimage"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ref := c.Param("ref")
		l.mu.Lock()
		hashLock, ok := l.escrows[ref]
		claimed := l.claimed[ref]
		l.mu.Unlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such escrow"})
			return
		}
		preimage, err := hex.DecodeString(req.Preimage)
		digest := sha256.Sum256(preimage)
		if err != nil || hex.EncodeToString(digest[:]) != hashLock {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "bad preimage"})
			return
		}
		if claimed {
			c.JSON(http.StatusConflict, gin.H{"error": "claimed"})
			return
		}
		l.mu.Lock()
		l.claimed[ref] = true
		l.mu.Unlock()
		l.broadcast(ref, stream.Activity{
			TxHash:     "tx-" + ref,
			Signatures: []string{base64.StdEncoding.EncodeToString([]byte("not a preimage")), base64.StdEncoding.EncodeToString(preimage)},
		})
		c.JSON(http.StatusOK, gin.H{"ref": "tx-" + ref})
	})
	router.GET("/escrows/:ref/activity", func(c *gin.Context) {
		ref := c.Param("ref")
		l.mu.Lock()
		_, ok := l.escrows[ref]
		l.mu.Unlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such escrow"})
			return
		}
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		l.mu.Lock()
		l.conns[ref] = append(l.conns[ref], ws)
		l.mu.Unlock()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	})
	return router
}

func (l *testLedger) broadcast(ref string, activity stream.Activity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, conn := range l.conns[ref] {
		conn.WriteJSON(activity)
	}
}

// drop closes every open feed on an escrow, forcing clients to reconnect.
func (l *testLedger) drop(ref string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, conn := range l.conns[ref] {
		conn.Close()
	}
	l.conns[ref] = nil
}

func (l *testLedger) feeds(ref string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns[ref])
}

var _ = Describe("Stream client", func() {
	var (
		ledger   *testLedger
		server   *httptest.Server
		client   chain.SettlementChain
		secret   []byte
		hashLock [32]byte
	)

	BeforeEach(func() {
		ledger = newTestLedger()
		server = httptest.NewServer(ledger.router())
		opts := stream.NewOptions(server.URL, "ws"+strings.TrimPrefix(server.URL, "http"))
		opts.MinReconnect = 10 * time.Millisecond
		opts.MaxReconnect = 50 * time.Millisecond
		client = stream.NewClient(opts, zap.NewNop())

		var err error
		secret, hashLock, err = swap.NewSecret()
		Expect(err).Should(BeNil())
	})

	AfterEach(func() {
		server.Close()
	})

	lockEscrow := func() string {
		ref, err := client.LockEscrow(context.Background(), chain.EscrowRequest{
			SwapID:   "swap-1",
			HashLock: hashLock,
			Timelock: time.Now().Add(time.Hour),
			Amount:   big.NewInt(500),
			Slots:    []int{0, 1},
		})
		Expect(err).Should(BeNil())
		return ref
	}

	It("should lock, claim and stream the revealed preimage", func() {
		ref := lockEscrow()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sub, err := client.SubscribeActivity(ctx, ref)
		Expect(err).Should(BeNil())
		defer sub.Close()
		Eventually(func() int { return ledger.feeds(ref) }).Should(Equal(1))

		_, err = client.ClaimEscrow(context.Background(), ref, []byte("wrong"))
		Expect(err).Should(MatchError(chain.ErrInvalidPreimage))

		claimRef, err := client.ClaimEscrow(context.Background(), ref, secret)
		Expect(err).Should(BeNil())
		Expect(claimRef).Should(Equal("tx-" + ref))

		Eventually(sub.Activity()).Should(Receive(Equal([]byte("not a preimage"))))
		Eventually(sub.Activity()).Should(Receive(Equal(secret)))

		_, err = client.ClaimEscrow(context.Background(), ref, secret)
		Expect(err).Should(MatchError(chain.ErrAlreadyClaimed))
	})

	It("should reconnect after the feed drops and skip replays", func() {
		ref := lockEscrow()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sub, err := client.SubscribeActivity(ctx, ref)
		Expect(err).Should(BeNil())
		defer sub.Close()
		Eventually(func() int { return ledger.feeds(ref) }).Should(Equal(1))

		ledger.drop(ref)
		Eventually(sub.Err()).Should(Receive())
		Eventually(func() int { return ledger.feeds(ref) }, time.Second).Should(Equal(1))

		activity := stream.Activity{TxHash: "tx-1", Signatures: []string{base64.StdEncoding.EncodeToString(secret)}}
		ledger.broadcast(ref, activity)
		ledger.broadcast(ref, activity)
		Eventually(sub.Activity()).Should(Receive(Equal(secret)))
		Consistently(sub.Activity(), 100*time.Millisecond).ShouldNot(Receive())
	})

	It("should classify rate limiting and unknown escrows", func() {
		ledger.limited = 1
		_, err := client.LockEscrow(context.Background(), chain.EscrowRequest{HashLock: hashLock, Timelock: time.Now().Add(time.Hour)})
		Expect(err).Should(MatchError(chain.ErrRateLimited))

		_, err = client.ClaimEscrow(context.Background(), "GMISSING", secret)
		Expect(err).Should(MatchError(chain.ErrUnknownSwap))

		_, err = client.SubscribeActivity(context.Background(), "GMISSING")
		Expect(err).ShouldNot(BeNil())

		_, err = client.LockEscrow(context.Background(), chain.EscrowRequest{HashLock: hashLock, Timelock: time.Now().Add(-time.Hour)})
		Expect(err).Should(MatchError(chain.ErrExpired))
	})
})
