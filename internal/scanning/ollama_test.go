package scanning

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"
)

var _ = Describe("Ollama", func() {
	var (
		server   *ghttp.Server
		endpoint *Ollama
		req      ModelRequest
		sent     ollamaChatRequest
		text     string
		err      error
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var newErr error
		endpoint, newErr = NewOllama(server.URL(), "llava", 0)
		Expect(newErr).NotTo(HaveOccurred())
		req = BuildImageRequest([]byte("img"), "image/png")
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		text, err = endpoint.Generate(context.Background(), req)
	})

	When("the chat call succeeds", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/api/chat"),
				func(w http.ResponseWriter, r *http.Request) {
					body, readErr := io.ReadAll(r.Body)
					Expect(readErr).NotTo(HaveOccurred())
					Expect(json.Unmarshal(body, &sent)).To(Succeed())
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: `{"store":"E","items":[]}`},
					Done:    true,
				}),
			))
		})

		It("returns the message content", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal(`{"store":"E","items":[]}`))
		})

		It("requests JSON output with the generation options", func() {
			Expect(sent.Model).To(Equal("llava"))
			Expect(sent.Stream).To(BeFalse())
			Expect(sent.Format).To(Equal("json"))
			Expect(sent.Options.TopK).To(BeNumerically("==", 40))
			Expect(sent.Options.NumPredict).To(BeNumerically("==", 512))
		})

		It("puts the image on the user message", func() {
			Expect(sent.Messages).To(HaveLen(2))
			Expect(sent.Messages[1].Role).To(Equal("user"))
			Expect(sent.Messages[1].Images).To(Equal([]string{"aW1n"}))
		})
	})

	When("the server answers 204 without a body", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusNoContent, nil))
		})

		It("returns empty text without an error", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(BeEmpty())
		})
	})

	When("the server returns an error status", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, "loading model"))
		})

		It("returns an UpstreamError", func() {
			var upstream *UpstreamError
			Expect(errors.As(err, &upstream)).To(BeTrue())
			Expect(upstream.StatusCode).To(Equal(http.StatusServiceUnavailable))
		})
	})
})
