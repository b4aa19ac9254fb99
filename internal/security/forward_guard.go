package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// allowedSchemes は転送先として許可されるURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks はプライベート宛て転送を禁止する場合にブロックするネットワーク範囲。
// パッケージ初期化時に1回だけパースする。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		// プライベートIPアドレス (RFC 1918)
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		// ループバック (RFC 1122)
		"127.0.0.0/8",
		// リンクローカル (RFC 3927) - クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		// カレントネットワーク
		"0.0.0.0/8",
		// IPv6ループバック
		"::1/128",
		// IPv6リンクローカル
		"fe80::/10",
		// IPv6ユニークローカル
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

// ForwardGuard は転送先URLの検証と転送用HTTPクライアントの生成を行う。
//
// BlockPrivate が有効な場合、safeurlのクライアントを使い
// DNS解決後のIPアドレスまで検証してプライベート宛ての送信を防ぐ。
type ForwardGuard struct {
	BlockPrivate bool
}

// NewForwardGuard はForwardGuardを生成する。
func NewForwardGuard(blockPrivate bool) *ForwardGuard {
	return &ForwardGuard{BlockPrivate: blockPrivate}
}

// NewClient は targetURL への転送に使うHTTPクライアントを生成する。
// targetURLはValidateTargetで検証し、不正な場合はエラーを返す。
// 呼び出しごとの期限は転送クライアント側のcontextで管理し、timeoutはその上限とする。
//
// BlockPrivate有効時のsafeurlクライアントは、80・443に加えて転送先のポートのみ接続を許可する。
func (g *ForwardGuard) NewClient(targetURL string, timeout time.Duration) (*http.Client, error) {
	if err := g.ValidateTarget(targetURL); err != nil {
		return nil, err
	}
	if !g.BlockPrivate {
		return &http.Client{Timeout: timeout}, nil
	}

	parsed, _ := url.Parse(targetURL)
	return safeurl.Client(g.clientConfig(targetPort(parsed), timeout)).Client, nil
}

// clientConfig はsafeurlの設定を組み立てる。
func (g *ForwardGuard) clientConfig(port int, timeout time.Duration) *safeurl.Config {
	return safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(allowedPorts(port)...).
		Build()
}

// ValidateTarget は起動時に転送先URLを静的に検証する。
// スキーム・ホスト・ポートを確認し、BlockPrivate有効時はブロック対象のIP・ホスト名を拒否する。
func (g *ForwardGuard) ValidateTarget(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("disallowed scheme: %q (allowed: %v)", scheme, allowedSchemes)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("empty host in URL: %s", rawURL)
	}

	if p := parsed.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("invalid port: %q", p)
		}
	}

	if !g.BlockPrivate {
		return nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("blocked IP address: %s", ip.String())
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("blocked host: %s", host)
	}
	return nil
}

// targetPort はURLの接続先ポートを返す。ポート省略時はスキームの既定ポート。
// 呼び出し元はValidateTargetで検証済みであること。
func targetPort(u *url.URL) int {
	if p := u.Port(); p != "" {
		n, _ := strconv.Atoi(p)
		return n
	}
	if strings.EqualFold(u.Scheme, "https") {
		return 443
	}
	return 80
}

// allowedPorts は80・443に転送先のポートを加えた許可リストを返す。
func allowedPorts(port int) []int {
	ports := []int{80, 443}
	if port != 80 && port != 443 {
		ports = append(ports, port)
	}
	return ports
}

// isAllowedScheme はURLスキームが許可リストに含まれるかを検証する。
func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

// isBlockedIP はIPアドレスがブロック対象のネットワーク範囲に含まれるかを検証する。
func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
