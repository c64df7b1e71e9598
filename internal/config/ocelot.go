package config

import (
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/gateway/internal/route"
)

// document は設定ファイルの全体。ネイティブ形式の項目に加えてOcelot形式の項目も受け付ける。
type document struct {
	Config `yaml:",inline"`

	OcelotRoutes []ocelotRoute `yaml:"Routes"`
	// ReRoutes は古いOcelotで使われていた名前。
	OcelotReRoutes []ocelotRoute `yaml:"ReRoutes"`
	Global         *ocelotGlobal `yaml:"GlobalConfiguration"`
	JWT            *ocelotJWT    `yaml:"Jwt"`
}

type ocelotRoute struct {
	Key                    string              `yaml:"Key"`
	UpstreamPathTemplate   string              `yaml:"UpstreamPathTemplate"`
	UpstreamHTTPMethod     []string            `yaml:"UpstreamHttpMethod"`
	DownstreamPathTemplate string              `yaml:"DownstreamPathTemplate"`
	DownstreamScheme       string              `yaml:"DownstreamScheme"`
	DownstreamHostAndPorts []ocelotHostAndPort `yaml:"DownstreamHostAndPorts"`
	AuthenticationOptions  *ocelotAuth         `yaml:"AuthenticationOptions"`
	FileCacheOptions       *ocelotCache        `yaml:"FileCacheOptions"`
	RouteClaimsRequirement map[string]string   `yaml:"RouteClaimsRequirement"`
	QoSOptions             *ocelotQoS          `yaml:"QoSOptions"`
}

type ocelotHostAndPort struct {
	Host string `yaml:"Host"`
	Port int    `yaml:"Port"`
}

type ocelotAuth struct {
	AuthenticationProviderKey string   `yaml:"AuthenticationProviderKey"`
	AllowedScopes             []string `yaml:"AllowedScopes"`
}

type ocelotCache struct {
	TTLSeconds int    `yaml:"TtlSeconds"`
	Region     string `yaml:"Region"`
}

type ocelotQoS struct {
	// TimeoutValue はミリ秒。
	TimeoutValue int `yaml:"TimeoutValue"`
}

type ocelotGlobal struct {
	BaseURL string `yaml:"BaseUrl"`
}

type ocelotJWT struct {
	Issuer   string `yaml:"Issuer"`
	Audience string `yaml:"Audience"`
	Key      string `yaml:"Key"`
}

// roleClaimKeys はロール要件として扱うクレーム名。
var roleClaimKeys = map[string]struct{}{
	"role":  {},
	"roles": {},
	"http://schemas.microsoft.com/ws/2008/06/identity/claims/role": {},
}

// mergeOcelot はOcelot形式の項目をネイティブ形式に変換して設定に追加する。
func (d *document) mergeOcelot(cfg *Config) error {
	for _, r := range slices.Concat(d.OcelotRoutes, d.OcelotReRoutes) {
		cfg.Routes = append(cfg.Routes, r.definition())
	}

	if d.Global != nil && d.Global.BaseURL != "" && cfg.Server.Port == 0 {
		u, err := url.Parse(d.Global.BaseURL)
		if err != nil {
			return invalid("GlobalConfiguration.BaseUrl が不正です", "base_url", d.Global.BaseURL)
		}
		if p := u.Port(); p != "" {
			if port, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = port
			}
		}
	}

	if d.JWT != nil {
		if cfg.Auth.Issuer == "" {
			cfg.Auth.Issuer = d.JWT.Issuer
		}
		if cfg.Auth.Audience == "" {
			cfg.Auth.Audience = d.JWT.Audience
		}
		if cfg.Auth.SigningKey == "" {
			cfg.Auth.SigningKey = d.JWT.Key
		}
	}
	return nil
}

// definition はOcelotのルートをルート定義に変換する。
func (r ocelotRoute) definition() route.Definition {
	def := route.Definition{
		Name:           r.Key,
		Pattern:        ocelotTemplate(r.UpstreamPathTemplate),
		DownstreamPath: ocelotTemplate(r.DownstreamPathTemplate),
	}
	for _, m := range r.UpstreamHTTPMethod {
		def.Methods = append(def.Methods, strings.ToUpper(m))
	}
	for _, hp := range r.DownstreamHostAndPorts {
		def.Targets = append(def.Targets, route.Target{
			Scheme: r.DownstreamScheme,
			Host:   hp.Host,
			Port:   hp.Port,
		})
	}
	if r.AuthenticationOptions != nil && r.AuthenticationOptions.AuthenticationProviderKey != "" {
		def.RequiresAuth = true
	}
	for key, value := range r.RouteClaimsRequirement {
		if _, ok := roleClaimKeys[strings.ToLower(key)]; !ok {
			continue
		}
		for _, role := range strings.Split(value, ",") {
			if role = strings.TrimSpace(role); role != "" {
				def.RequiredRoles = append(def.RequiredRoles, role)
			}
		}
	}
	if len(def.RequiredRoles) > 0 {
		def.RequiresAuth = true
	}
	if r.FileCacheOptions != nil && r.FileCacheOptions.TTLSeconds > 0 {
		def.Cache = route.CachePolicy{
			Enabled: true,
			TTL:     time.Duration(r.FileCacheOptions.TTLSeconds) * time.Second,
		}
	}
	if r.QoSOptions != nil && r.QoSOptions.TimeoutValue > 0 {
		def.Timeout = time.Duration(r.QoSOptions.TimeoutValue) * time.Millisecond
	}
	return def
}

// ocelotTemplate はOcelotのパステンプレートを変換する。
// 末尾の {everything} は残りのパス全体に一致するため {*everything} とする。
func ocelotTemplate(template string) string {
	if template == "" {
		return ""
	}
	idx := strings.LastIndex(template, "/")
	last := template[idx+1:]
	if last == "{everything}" {
		return template[:idx+1] + "{*everything}"
	}
	return template
}
