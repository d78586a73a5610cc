package pac

import (
	"context"
	"net"
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// The functions below implement the Netscape PAC helper set. They are plain
// Go so they can be tested without a JavaScript VM; otto.go binds them.

func isPlainHostName(host string) bool {
	return !strings.Contains(host, ".")
}

func dnsDomainIs(host, domain string) bool {
	return strings.HasSuffix(strings.ToLower(host), strings.ToLower(domain))
}

func localHostOrDomainIs(host, hostdom string) bool {
	host = strings.ToLower(host)
	hostdom = strings.ToLower(hostdom)
	if host == hostdom {
		return true
	}
	return !strings.Contains(host, ".") && strings.HasPrefix(hostdom, host+".")
}

func dnsDomainLevels(host string) int {
	return strings.Count(host, ".")
}

// shExpMatch matches shell expressions where '*' and '?' also match '/'.
func shExpMatch(str, pattern string) bool {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(str)
}

// isInNet reports whether ip (already resolved) lies in pattern/mask, both
// dotted IPv4 strings.
func isInNet(ip, pattern, mask string) bool {
	addr := net.ParseIP(ip).To4()
	p := net.ParseIP(pattern).To4()
	m := net.ParseIP(mask).To4()
	if addr == nil || p == nil || m == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if addr[i]&m[i] != p[i]&m[i] {
			return false
		}
	}
	return true
}

// isInNetEx is the Microsoft variant taking a CIDR prefix, IPv6 included.
func isInNetEx(ip, prefix string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		return false
	}
	return p.Contains(addr.Unmap())
}

// sortIPAddressList sorts a semicolon separated list, IPv6 before IPv4.
func sortIPAddressList(list string) string {
	var addrs []netip.Addr
	for _, s := range strings.Split(list, ";") {
		if a, err := netip.ParseAddr(strings.TrimSpace(s)); err == nil {
			addrs = append(addrs, a)
		}
	}
	sort.SliceStable(addrs, func(i, j int) bool {
		if addrs[i].Is4() != addrs[j].Is4() {
			return addrs[j].Is4()
		}
		return addrs[i].Less(addrs[j])
	})
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return strings.Join(out, ";")
}

// lookupAll resolves host, returning IPv4 addresses first.
func lookupAll(ctx context.Context, resolver *net.Resolver, host string) []string {
	if ip := net.ParseIP(host); ip != nil {
		return []string{ip.String()}
	}
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil {
		return nil
	}
	sort.SliceStable(addrs, func(i, j int) bool {
		return net.ParseIP(addrs[i]).To4() != nil && net.ParseIP(addrs[j]).To4() == nil
	})
	return addrs
}

// myIPAddress returns the address of the interface used for outbound
// traffic. Connecting a UDP socket sends nothing.
func myIPAddress() string {
	conn, err := net.Dial("udp", "198.51.100.1:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "127.0.0.1"
}

func myIPAddressEx() string {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	var out []string
	for _, a := range ifaces {
		if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			out = append(out, ipNet.IP.String())
		}
	}
	return strings.Join(out, ";")
}

var weekdays = map[string]time.Weekday{
	"SUN": time.Sunday, "MON": time.Monday, "TUE": time.Tuesday, "WED": time.Wednesday,
	"THU": time.Thursday, "FRI": time.Friday, "SAT": time.Saturday,
}

var months = map[string]time.Month{
	"JAN": time.January, "FEB": time.February, "MAR": time.March, "APR": time.April,
	"MAY": time.May, "JUN": time.June, "JUL": time.July, "AUG": time.August,
	"SEP": time.September, "OCT": time.October, "NOV": time.November, "DEC": time.December,
}

// stripGMT removes a trailing "GMT" argument and converts now accordingly.
func stripGMT(now time.Time, args []string) (time.Time, []string) {
	if len(args) > 0 && strings.EqualFold(args[len(args)-1], "GMT") {
		return now.UTC(), args[:len(args)-1]
	}
	return now, args
}

// inRange compares with wrap-around, e.g. FRI..MON or 22h..6h.
func inRange(v, lo, hi int) bool {
	if lo <= hi {
		return v >= lo && v <= hi
	}
	return v >= lo || v <= hi
}

func weekdayRange(now time.Time, args []string) bool {
	now, args = stripGMT(now, args)
	if len(args) == 0 {
		return false
	}
	lo, ok := weekdays[strings.ToUpper(args[0])]
	if !ok {
		return false
	}
	hi := lo
	if len(args) > 1 {
		if hi, ok = weekdays[strings.ToUpper(args[1])]; !ok {
			return false
		}
	}
	return inRange(int(now.Weekday()), int(lo), int(hi))
}

func timeRange(now time.Time, args []string) bool {
	now, args = stripGMT(now, args)
	nums := make([]int, 0, len(args))
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return false
		}
		nums = append(nums, n)
	}

	secs := now.Hour()*3600 + now.Minute()*60 + now.Second()
	switch len(nums) {
	case 1:
		return now.Hour() == nums[0]
	case 2:
		// hour1 inclusive, hour2 exclusive as in the Netscape reference
		return inRange(now.Hour(), nums[0], nums[1]-1)
	case 4:
		return inRange(secs, nums[0]*3600+nums[1]*60, nums[2]*3600+nums[3]*60)
	case 6:
		return inRange(secs, nums[0]*3600+nums[1]*60+nums[2], nums[3]*3600+nums[4]*60+nums[5])
	default:
		return false
	}
}

type dateKind int

const (
	dateDay dateKind = iota
	dateMonth
	dateYear
)

type datePart struct {
	kind  dateKind
	value int
}

func parseDatePart(s string) (datePart, bool) {
	if m, ok := months[strings.ToUpper(s)]; ok {
		return datePart{kind: dateMonth, value: int(m)}, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return datePart{}, false
	}
	if n >= 1 && n <= 31 {
		return datePart{kind: dateDay, value: n}, true
	}
	if n > 31 {
		return datePart{kind: dateYear, value: n}, true
	}
	return datePart{}, false
}

// dateKey folds the parts present in shape into one comparable integer.
func dateKey(t time.Time, shape []dateKind, parts []datePart) (now, bound int) {
	for i, k := range shape {
		var cur int
		switch k {
		case dateYear:
			cur = t.Year()
		case dateMonth:
			cur = int(t.Month())
		case dateDay:
			cur = t.Day()
		}
		now = now*10000 + cur
		bound = bound*10000 + parts[i].value
	}
	return now, bound
}

func dateRange(now time.Time, args []string) bool {
	now, args = stripGMT(now, args)
	if len(args) == 0 || len(args) > 6 {
		return false
	}

	parts := make([]datePart, 0, len(args))
	for _, a := range args {
		p, ok := parseDatePart(a)
		if !ok {
			return false
		}
		parts = append(parts, p)
	}

	if len(parts) == 1 {
		n, b := dateKey(now, []dateKind{parts[0].kind}, parts)
		return n == b
	}
	if len(parts)%2 != 0 {
		return false
	}

	half := len(parts) / 2
	start, end := parts[:half], parts[half:]
	// order most significant first: year, month, day
	shape := make([]dateKind, half)
	for i := range start {
		if start[i].kind != end[i].kind {
			return false
		}
		shape[i] = start[i].kind
	}
	order := func(p []datePart) {
		sort.SliceStable(p, func(i, j int) bool { return p[i].kind > p[j].kind })
	}
	order(start)
	order(end)
	sort.SliceStable(shape, func(i, j int) bool { return shape[i] > shape[j] })

	cur, lo := dateKey(now, shape, start)
	_, hi := dateKey(now, shape, end)
	if shape[0] == dateYear {
		return cur >= lo && cur <= hi
	}
	return inRange(cur, lo, hi)
}
