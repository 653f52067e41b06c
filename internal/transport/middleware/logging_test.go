package middleware

import (
	"encoding/json"
	"net/http"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestMiddleware(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Middleware Suite")
}

var _ = Describe("sensitive field filtering", func() {
	It("should mask secrets at any depth of a JSON body", func() {
		body := []byte(`{"borrowerName":"Sara","operatorPin":"1234","payment":{"clientSecret":"pi_secret","status":"pending"}}`)

		var out map[string]interface{}
		Expect(json.Unmarshal([]byte(filterSensitiveBody(body)), &out)).To(Succeed())

		Expect(out["borrowerName"]).To(Equal("Sara"))
		Expect(out["operatorPin"]).To(Equal("[FILTERED]"))
		payment := out["payment"].(map[string]interface{})
		Expect(payment["clientSecret"]).To(Equal("[FILTERED]"))
		Expect(payment["status"]).To(Equal("pending"))
	})

	It("should mask authorization and signature headers", func() {
		h := http.Header{}
		h.Set("Authorization", "Bearer abc")
		h.Set("Stripe-Signature", "t=1,v1=x")
		h.Set("Content-Type", "application/json")

		filtered := filterSensitiveHeaders(h)

		Expect(filtered["Authorization"]).To(Equal("[FILTERED]"))
		Expect(filtered["Stripe-Signature"]).To(Equal("[FILTERED]"))
		Expect(filtered["Content-Type"]).To(Equal("application/json"))
	})

	It("should hide a non-JSON body that mentions a secret", func() {
		Expect(filterSensitiveBody([]byte("token=abc"))).To(Equal("[FILTERED - Contains sensitive data]"))
		Expect(filterSensitiveBody([]byte("hello"))).To(Equal("hello"))
	})

	It("should fall back to local origins when none are configured", func() {
		Expect(parseOrigins(" ")).To(Equal(defaultCORSOrigins))
		Expect(parseOrigins("https://a.example, https://b.example")).To(Equal([]string{"https://a.example", "https://b.example"}))
	})
})
