package scanning

import (
	"encoding/base64"
	"strings"
)

// Flavor selects the schema a request asks for
type Flavor int

const (
	// FlavorText reads OCR text into a single Receipt.
	FlavorText Flavor = iota
	// FlavorImage reads a receipt image into an ItemizedReceipt.
	FlavorImage
)

func (f Flavor) String() string {
	if f == FlavorImage {
		return "image"
	}
	return "text"
}

// ResponseFormatJSON asks the endpoint for a single JSON document
const ResponseFormatJSON = "application/json"

// GenerationConfig holds the sampling parameters sent with a request
type GenerationConfig struct {
	Temperature     float32
	TopP            float32
	TopK            int32
	MaxOutputTokens int32
	ResponseFormat  string
}

var (
	textGenerationConfig = GenerationConfig{
		Temperature:     0.15,
		TopP:            0.8,
		TopK:            32,
		MaxOutputTokens: 512,
		ResponseFormat:  ResponseFormatJSON,
	}
	imageGenerationConfig = GenerationConfig{
		Temperature:     0.1,
		TopP:            0.8,
		TopK:            40,
		MaxOutputTokens: 512,
		ResponseFormat:  ResponseFormatJSON,
	}
)

// Attachment is inline binary content sent alongside the instruction
type Attachment struct {
	MIMEType string
	Data     []byte
}

// Base64 returns the attachment data in standard base64 encoding
func (a Attachment) Base64() string {
	return base64.StdEncoding.EncodeToString(a.Data)
}

// ModelRequest is one user turn for the text-understanding endpoint
type ModelRequest struct {
	Flavor      Flavor
	Instruction string
	Attachment  *Attachment
	Config      GenerationConfig
}

// textInstruction lists every Receipt field. The OCR text is appended after it.
var textInstruction = strings.Join([]string{
	"あなたはスーパーマーケットのレシート解析に精通したアシスタントです。",
	"以下のテキストは OCR で読み取ったものであり、数字や文字の誤認識を含む可能性があります。",
	"文脈を推測し、JSON形式で以下のキーを必ず含めてください:",
	"name (代表的な商品名がわかる場合のみ)",
	"store (店舗名)",
	"total (税込合計金額。数値のみで円は含めない)",
	"date (購入日。YYYY-MM-DD形式)",
	"quantity (わかる場合の合計数量。数値のみ)",
	"unit (数量の単位。わからなければ空文字)",
	"memo (補足情報があれば記載。なければ空文字)",
	"わからない情報は空文字にし、適当に作らないでください。",
	"数値は半角で出力し、小数点が必要な場合のみ使用してください。",
}, "\n")

const imageInstruction = `あなたはレシート画像から購入明細を読み取るアシスタントです。
画像を注意深く読み、次の形式の JSON だけを返してください:
{
  "store": "店舗名",
  "items": [
    {"name": "商品名", "price": 198}
  ]
}
ルール:
- store と items 以外のキーは出力しないでください。
- price は税込の金額を半角数字のみで出力してください。税込か税抜か判断できない場合は税込とみなしてください。
- 金額が読み取れない商品は items に含めないでください。推測で金額を作らないでください。
- 店舗名がわからない場合は空文字にしてください。
- JSON の前後に説明文を付けないでください。`

// BuildTextRequest wraps OCR text in the text-flavor instruction
func BuildTextRequest(ocrText string) ModelRequest {
	return ModelRequest{
		Flavor:      FlavorText,
		Instruction: textInstruction + "\n【OCRテキスト】\n" + ocrText,
		Config:      textGenerationConfig,
	}
}

// BuildImageRequest attaches a receipt image to the image-flavor instruction
func BuildImageRequest(data []byte, mimeType string) ModelRequest {
	return ModelRequest{
		Flavor:      FlavorImage,
		Instruction: imageInstruction,
		Attachment: &Attachment{
			MIMEType: mimeType,
			Data:     data,
		},
		Config: imageGenerationConfig,
	}
}
