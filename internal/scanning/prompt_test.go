package scanning

import (
	"encoding/base64"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("BuildTextRequest", func() {
	var req ModelRequest

	BeforeEach(func() {
		req = BuildTextRequest("合計 1,280円 2024-05-01 コンビニA")
	})

	It("uses the text flavor", func() {
		Expect(req.Flavor).To(Equal(FlavorText))
	})

	It("has no attachment", func() {
		Expect(req.Attachment).To(BeNil())
	})

	It("names every receipt field", func() {
		for _, field := range []string{"name", "store", "total", "date", "quantity", "unit", "memo"} {
			Expect(req.Instruction).To(ContainSubstring(field))
		}
	})

	It("ends with the OCR text", func() {
		Expect(req.Instruction).To(HaveSuffix("合計 1,280円 2024-05-01 コンビニA"))
	})

	It("uses the text generation parameters", func() {
		Expect(req.Config).To(Equal(GenerationConfig{
			Temperature:     0.15,
			TopP:            0.8,
			TopK:            32,
			MaxOutputTokens: 512,
			ResponseFormat:  "application/json",
		}))
	})
})

var _ = Describe("BuildImageRequest", func() {
	var (
		data []byte
		req  ModelRequest
	)

	BeforeEach(func() {
		data = []byte{0xFF, 0xD8, 0xFF}
		req = BuildImageRequest(data, "image/jpeg")
	})

	It("uses the image flavor", func() {
		Expect(req.Flavor).To(Equal(FlavorImage))
	})

	It("asks only for store and items", func() {
		Expect(req.Instruction).To(ContainSubstring(`"store"`))
		Expect(req.Instruction).To(ContainSubstring(`"items"`))
		Expect(req.Instruction).NotTo(ContainSubstring(`"total"`))
	})

	It("attaches the image as base64", func() {
		Expect(req.Attachment).NotTo(BeNil())
		Expect(req.Attachment.MIMEType).To(Equal("image/jpeg"))
		Expect(req.Attachment.Base64()).To(Equal(base64.StdEncoding.EncodeToString(data)))
	})

	It("uses the image generation parameters", func() {
		Expect(req.Config).To(Equal(GenerationConfig{
			Temperature:     0.1,
			TopP:            0.8,
			TopK:            40,
			MaxOutputTokens: 512,
			ResponseFormat:  "application/json",
		}))
	})
})
