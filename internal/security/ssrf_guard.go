package security

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrResponseTooLarge はレスポンス本文が上限を超えたことを表す。
var ErrResponseTooLarge = errors.New("response body exceeds size limit")

// SSRFGuardService はSSRF防止機能のインターフェースを定義する。
// 課題インポートのURL受付時と取得時の両方で使用される。
type SSRFGuardService interface {
	// NewSafeClient はSSRF防止機能付きのHTTPクライアントを生成する。
	// プライベートIP、ループバック、リンクローカル、メタデータIPへの接続は
	// DNS解決後にDialerで拒否される。
	// maxResponseSizeが正の場合、本文の読み取りはその上限で打ち切られ
	// ErrResponseTooLargeを返す。
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client

	// ValidateURL はURLの安全性をDNS解決なしで事前に検証する。
	ValidateURL(rawURL string) error
}

// allowedSchemes はインポートで許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はValidateURLで拒否するネットワーク範囲。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",     // RFC 1918
		"172.16.0.0/12",  // RFC 1918
		"192.168.0.0/16", // RFC 1918
		"127.0.0.0/8",    // ループバック
		"169.254.0.0/16", // リンクローカル（169.254.169.254を含む）
		"0.0.0.0/8",
		"100.64.0.0/10", // CGNAT
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

// ssrfGuard はSSRFGuardServiceの実装。
type ssrfGuard struct {
	ports []int
}

// NewSSRFGuard はSSRFGuardServiceの新しいインスタンスを生成する。
// portsを省略した場合は80と443のみ許可する。
func NewSSRFGuard(ports ...int) *ssrfGuard {
	if len(ports) == 0 {
		ports = []int{80, 443}
	}
	return &ssrfGuard{ports: ports}
}

// NewSafeClient はsafeurlでラップしたHTTPクライアントを生成する。
func (g *ssrfGuard) NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(g.ports...).
		Build()

	client := safeurl.Client(config).Client
	if maxResponseSize > 0 {
		base := client.Transport
		if base == nil {
			base = http.DefaultTransport
		}
		client.Transport = &limitedTransport{base: base, limit: maxResponseSize}
	}
	return client
}

// ValidateURL はURLのスキーム・ホスト・IPアドレスを静的に検証する。
// DNS再バインディングはNewSafeClient側のDialer検証で防ぐ。
func (g *ssrfGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %s (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}

	if isBlockedHostname(host) {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

// limitedTransport はレスポンス本文をlimitバイトまでに制限するRoundTripper。
type limitedTransport struct {
	base  http.RoundTripper
	limit int64
}

// RoundTrip はhttp.RoundTripperを実装する。
func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength > t.limit {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: content-length %d > %d", ErrResponseTooLarge, resp.ContentLength, t.limit)
	}
	resp.Body = &limitedBody{rc: resp.Body, remaining: t.limit}
	return resp, nil
}

// limitedBody は残りバイト数を超えて読まれた時点でエラーを返すReadCloser。
type limitedBody struct {
	rc        io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining < 0 {
		return 0, ErrResponseTooLarge
	}
	// 上限超過を検出するため1バイト余分に読む
	if int64(len(p)) > b.remaining+1 {
		p = p[:b.remaining+1]
	}
	n, err := b.rc.Read(p)
	b.remaining -= int64(n)
	if b.remaining < 0 {
		return n + int(b.remaining), ErrResponseTooLarge
	}
	return n, err
}

func (b *limitedBody) Close() error {
	return b.rc.Close()
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// blockedHostnames はブロック対象のホスト名。
var blockedHostnames = []string{
	"localhost",
	"metadata.google.internal",
}

func isBlockedHostname(host string) bool {
	lower := strings.TrimSuffix(strings.ToLower(host), ".")
	for _, blocked := range blockedHostnames {
		if lower == blocked || strings.HasSuffix(lower, "."+blocked) {
			return true
		}
	}
	return false
}

// compile-time interface check
var _ SSRFGuardService = (*ssrfGuard)(nil)
