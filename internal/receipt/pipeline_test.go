package receipt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/price-scout/internal/scanning"
)

// geminiReply wraps model text in a generateContent response
func geminiReply(text string) string {
	payload, err := json.Marshal(map[string]any{
		"candidates": []any{
			map[string]any{"content": map[string]any{"parts": []any{map[string]any{"text": text}}}},
		},
	})
	Expect(err).NotTo(HaveOccurred())
	return string(payload)
}

var _ = Describe("Pipeline", func() {
	var (
		upstream *ghttp.Server
		front    *ghttp.Server
		db       *BoltDB
		store    *LocalStorage
		sent     map[string]any
	)

	captureBody := func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(json.Unmarshal(body, &sent)).To(Succeed())
	}

	post := func(path, contentType string, body []byte) *http.Response {
		resp, err := http.Post(front.URL()+path, contentType, bytes.NewReader(body))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(resp.Body.Close)
		return resp
	}

	BeforeEach(func() {
		sent = nil
		upstream = ghttp.NewServer()

		tmpDir := GinkgoT().TempDir()
		var err error
		db, err = NewBoltDB(filepath.Join(tmpDir, "scans.db"))
		Expect(err).NotTo(HaveOccurred())
		store, err = NewLocalStorage(filepath.Join(tmpDir, "uploads"))
		Expect(err).NotTo(HaveOccurred())

		endpoint, err := scanning.NewGeminiREST("test-key", "test-model", upstream.URL(), 0)
		Expect(err).NotTo(HaveOccurred())

		server := NewServer(NewService(Config{}, endpoint, db, store), BasicAuth{})
		front = ghttp.NewServer()
		front.AppendHandlers(server.ServeHTTP)
	})

	AfterEach(func() {
		front.Close()
		upstream.Close()
		db.Close()
	})

	When("an image receipt is uploaded", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest(http.MethodPost, "/models/test-model:generateContent"),
				captureBody,
				ghttp.RespondWith(http.StatusOK, geminiReply("Here you go:\n```json\n{\"store\":\"XYZ Mart\",\"items\":[{\"name\":\"Milk\",\"price\":\"198円\"},{\"name\":\"\",\"price\":50}]}\n```")),
			))
		})

		It("returns the itemized receipt and keeps the upload", func() {
			resp := post("/api/gemini/image", multipartXYZ, multipartBody("receipt", "image/jpeg", jpegBytes))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(body).To(MatchJSON(`{"store":"XYZ Mart","items":[{"name":"Milk","price":198}]}`))

			id := resp.Header.Get("X-Scan-ID")
			Expect(id).NotTo(BeEmpty())
			scan, err := db.GetScan(id)
			Expect(err).NotTo(HaveOccurred())
			Expect(scan.Itemized.Store).To(Equal("XYZ Mart"))

			data, err := store.Get(scan.Filename)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(jpegBytes))
		})

		It("sends the image inline with the vision settings", func() {
			post("/api/gemini/image", multipartXYZ, multipartBody("receipt", "image/jpeg", jpegBytes))

			contents := sent["contents"].([]any)
			Expect(contents).To(HaveLen(1))
			parts := contents[0].(map[string]any)["parts"].([]any)
			Expect(parts).To(HaveLen(2))
			inline := parts[1].(map[string]any)["inlineData"].(map[string]any)
			Expect(inline["mimeType"]).To(Equal("image/jpeg"))
			Expect(inline["data"]).To(Equal(base64.StdEncoding.EncodeToString(jpegBytes)))

			config := sent["generationConfig"].(map[string]any)
			Expect(config["temperature"]).To(BeNumerically("~", 0.1, 1e-6))
			Expect(config["topK"]).To(BeNumerically("==", 40))
			Expect(config["responseMimeType"]).To(Equal("application/json"))
		})
	})

	When("the upstream is rate limited", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.RespondWith(http.StatusTooManyRequests, `{"error":{"message":"quota exceeded"}}`))
		})

		It("forwards 429 with a retry message", func() {
			resp := post("/api/gemini", "application/json", []byte(`{"rawText":"お茶 ¥1,200"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusTooManyRequests))

			var payload map[string]string
			Expect(json.NewDecoder(resp.Body).Decode(&payload)).To(Succeed())
			Expect(payload["error"]).To(ContainSubstring("retry"))
			Expect(payload["error"]).NotTo(ContainSubstring("quota"))
		})
	})

	When("the upstream is unavailable", func() {
		BeforeEach(func() {
			upstream.AppendHandlers(ghttp.RespondWith(http.StatusServiceUnavailable, `overloaded`))
		})

		It("forwards 503 with the generic message", func() {
			resp := post("/api/gemini", "application/json", []byte(`{"rawText":"お茶 ¥1,200"}`))
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))

			var payload map[string]string
			Expect(json.NewDecoder(resp.Body).Decode(&payload)).To(Succeed())
			Expect(payload["error"]).To(Equal("The receipt service returned an error."))
		})
	})

	When("the receipt part is missing", func() {
		It("returns 400 without calling the upstream", func() {
			resp := post("/api/gemini/image", multipartXYZ, multipartBody("attachment", "image/jpeg", jpegBytes))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(upstream.ReceivedRequests()).To(BeEmpty())
		})
	})
})
