package notify_test

import (
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/catalogfi/fusion/pkg/notify"
	"github.com/catalogfi/fusion/pkg/swap"
	"go.uber.org/zap"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// redirect sends every request to the test server.
type redirect struct {
	target *url.URL
}

func (r redirect) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = r.target.Scheme
	req.URL.Host = r.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

var _ = Describe("Discord", func() {
	var (
		mu       sync.Mutex
		paths    []string
		received []discordgo.WebhookParams
		ts       *httptest.Server
		notifier notify.Discord
	)

	posted := func() []discordgo.WebhookParams {
		mu.Lock()
		defer mu.Unlock()
		return append([]discordgo.WebhookParams{}, received...)
	}

	BeforeEach(func() {
		paths = nil
		received = nil
		ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			params := discordgo.WebhookParams{}
			_ = json.Unmarshal(body, &params)
			mu.Lock()
			paths = append(paths, r.URL.Path)
			received = append(received, params)
			mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"id": "1"}`))
		}))
		target, err := url.Parse(ts.URL)
		Expect(err).Should(BeNil())

		notifier, err = notify.NewDiscord("hook", "token", zap.NewNop(),
			notify.WithHTTPClient(&http.Client{Transport: redirect{target: target}}))
		Expect(err).Should(BeNil())
		notifier.Start()
	})

	AfterEach(func() {
		notifier.Stop()
		ts.Close()
	})

	It("should post terminal outcomes to the webhook", func() {
		notifier.Notify(swap.Swap{ID: "0x01", Status: swap.Completed, LockAmount: big.NewInt(10), SettleAmount: big.NewInt(20)})
		notifier.Notify(swap.Swap{ID: "0x02", Status: swap.Refunded, RefundTxRef: "0xrefund"})
		Eventually(posted).Should(HaveLen(2))

		params := posted()
		Expect(params[0].Embeds).Should(HaveLen(1))
		Expect(params[0].Embeds[0].Title).Should(Equal("Swap completed"))
		Expect(params[0].Embeds[0].Description).Should(Equal("0x01"))
		Expect(params[1].Embeds[0].Title).Should(Equal("Swap refunded"))

		mu.Lock()
		defer mu.Unlock()
		Expect(strings.HasSuffix(paths[0], "/webhooks/hook/token")).Should(BeTrue())
	})

	It("should ignore swaps that are still running", func() {
		notifier.Notify(swap.Swap{ID: "0x03", Status: swap.LockedOnA})
		notifier.Notify(swap.Swap{ID: "0x04", Status: swap.Failed})
		Eventually(posted).Should(HaveLen(1))
		Consistently(posted).Should(HaveLen(1))
		Expect(posted()[0].Embeds[0].Description).Should(Equal("0x04"))
	})

	It("should flush queued messages on stop", func() {
		notifier.Notify(swap.Swap{ID: "0x05", Status: swap.Completed})
		notifier.Stop()
		Expect(posted()).Should(HaveLen(1))
	})
})
