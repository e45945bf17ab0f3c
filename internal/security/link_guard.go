package security

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// ErrDisallowedLink はValidateLinkが拒否したリンクを表す。
var ErrDisallowedLink = errors.New("disallowed link")

// ValidateLink はバックエンドが返した遷移先URL（OAuth認可URL、ボットのディープリンク）を検証する。
// ブラウザをそのまま遷移させるため、認証情報を含まないhttp/httpsの絶対URLで、
// ループバック・プライベート・リンクローカルを指さないものだけを許可する。
// リンク先へのアクセスは行わない。
func ValidateLink(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("%w: empty URL", ErrDisallowedLink)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisallowedLink, err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return fmt.Errorf("%w: scheme %q", ErrDisallowedLink, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrDisallowedLink)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrDisallowedLink)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if internalAddr(addr.Unmap()) {
			return fmt.Errorf("%w: internal address %s", ErrDisallowedLink, addr)
		}
		return nil
	}

	// 国際化ドメイン名はPunycodeに変換してから判定する
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return fmt.Errorf("%w: invalid host %q: %v", ErrDisallowedLink, host, err)
	}
	if ascii == "localhost" || strings.HasSuffix(ascii, ".localhost") {
		return fmt.Errorf("%w: host %s", ErrDisallowedLink, ascii)
	}
	return nil
}

func internalAddr(addr netip.Addr) bool {
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		currentNetwork.Contains(addr)
}

// currentNetwork は0.0.0.0/8。IsUnspecifiedは0.0.0.0しか判定しない。
var currentNetwork = netip.MustParsePrefix("0.0.0.0/8")
