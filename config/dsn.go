package config

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// DSN 按驱动生成 gorm 连接串，用户名和密码中的特殊字符会被转义。
// 未知驱动返回空串。
func (d *DatabaseConfig) DSN() string {
	switch strings.ToLower(d.Driver) {
	case "postgres":
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(d.User, d.Password),
			Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
			Path:   "/" + d.Name,
		}
		if d.SSLMode != "" {
			u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
		}
		return u.String()
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = d.User
		mc.Passwd = d.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		mc.DBName = d.Name
		mc.ParseTime = true
		return mc.FormatDSN()
	case "sqlite", "sqlite3":
		return d.Name
	default:
		return ""
	}
}
