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

var _ = Describe("GeminiREST", func() {
	var (
		server   *ghttp.Server
		endpoint *GeminiREST
		req      ModelRequest
		sent     map[string]any
		text     string
		err      error
	)

	captureBody := func(w http.ResponseWriter, r *http.Request) {
		body, readErr := io.ReadAll(r.Body)
		Expect(readErr).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, &sent)).To(Succeed())
	}

	BeforeEach(func() {
		server = ghttp.NewServer()
		sent = nil
		var newErr error
		endpoint, newErr = NewGeminiREST("test-key", "test-model", server.URL(), 0)
		Expect(newErr).NotTo(HaveOccurred())
		req = BuildTextRequest("レシート")
	})

	AfterEach(func() {
		server.Close()
	})

	JustBeforeEach(func() {
		text, err = endpoint.Generate(context.Background(), req)
	})

	When("the upstream answers", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/models/test-model:generateContent"),
				ghttp.VerifyHeaderKV("x-goog-api-key", "test-key"),
				ghttp.VerifyContentType("application/json"),
				captureBody,
				ghttp.RespondWith(http.StatusOK, `{"candidates":[{"content":{"parts":[{"text":"{\"store\":"},{"text":"\"A\"}"}]}}]}`),
			))
		})

		It("returns the joined candidate text", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal(`{"store":"A"}`))
		})

		It("sends one user turn with the instruction", func() {
			contents := sent["contents"].([]any)
			Expect(contents).To(HaveLen(1))
			turn := contents[0].(map[string]any)
			Expect(turn["role"]).To(Equal("user"))
			parts := turn["parts"].([]any)
			Expect(parts).To(HaveLen(1))
			Expect(parts[0].(map[string]any)["text"]).To(Equal(req.Instruction))
		})

		It("sends the generation parameters", func() {
			cfg := sent["generationConfig"].(map[string]any)
			Expect(cfg["temperature"]).To(BeNumerically("~", 0.15, 1e-6))
			Expect(cfg["topP"]).To(BeNumerically("~", 0.8, 1e-6))
			Expect(cfg["topK"]).To(BeNumerically("==", 32))
			Expect(cfg["maxOutputTokens"]).To(BeNumerically("==", 512))
			Expect(cfg["responseMimeType"]).To(Equal("application/json"))
		})
	})

	When("the request carries an image", func() {
		BeforeEach(func() {
			req = BuildImageRequest([]byte{0xFF, 0xD8}, "image/jpeg")
			server.AppendHandlers(ghttp.CombineHandlers(
				captureBody,
				ghttp.RespondWith(http.StatusOK, `{"candidates":[]}`),
			))
		})

		It("sends the image as inline data", func() {
			parts := sent["contents"].([]any)[0].(map[string]any)["parts"].([]any)
			Expect(parts).To(HaveLen(2))
			inline := parts[1].(map[string]any)["inlineData"].(map[string]any)
			Expect(inline["mimeType"]).To(Equal("image/jpeg"))
			Expect(inline["data"]).To(Equal("/9g="))
		})

		It("returns empty text when there are no candidates", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(BeEmpty())
		})
	})

	When("the upstream is rate limited", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests, `{"error":{"message":"quota"}}`))
		})

		It("returns an UpstreamError with the status and body", func() {
			var upstream *UpstreamError
			Expect(errors.As(err, &upstream)).To(BeTrue())
			Expect(upstream.StatusCode).To(Equal(http.StatusTooManyRequests))
			Expect(upstream.Body).To(ContainSubstring("quota"))
		})
	})

	When("the upstream answers with another success status", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusAccepted, `{"candidates":[{"content":{"parts":[{"text":"{}"}]}}]}`))
		})

		It("reads the candidates", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("{}"))
		})
	})

	When("the upstream answers 204 without a body", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusNoContent, nil))
		})

		It("returns empty text instead of an UpstreamError", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(BeEmpty())
		})
	})

	When("the upstream returns invalid JSON", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.RespondWith(http.StatusOK, `not json`))
		})

		It("returns a transport error", func() {
			Expect(err).To(HaveOccurred())
			var upstream *UpstreamError
			Expect(errors.As(err, &upstream)).To(BeFalse())
		})
	})

	When("the upstream cannot be reached", func() {
		BeforeEach(func() {
			server.Close()
		})

		It("returns an error", func() {
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("NewGeminiREST", func() {
	It("requires an API key", func() {
		_, err := NewGeminiREST("  ", "", "", 0)
		Expect(err).To(HaveOccurred())
	})
})
