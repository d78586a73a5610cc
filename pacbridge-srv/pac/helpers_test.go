package pac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHostHelpers(t *testing.T) {
	assert.True(t, isPlainHostName("intranet"))
	assert.False(t, isPlainHostName("intranet.corp"))

	assert.True(t, dnsDomainIs("www.corp.com", ".corp.com"))
	assert.True(t, dnsDomainIs("WWW.Corp.com", ".corp.com"))
	assert.False(t, dnsDomainIs("www.other.com", ".corp.com"))

	assert.True(t, localHostOrDomainIs("www.corp.com", "www.corp.com"))
	assert.True(t, localHostOrDomainIs("www", "www.corp.com"))
	assert.False(t, localHostOrDomainIs("www.other.com", "www.corp.com"))
	assert.False(t, localHostOrDomainIs("home", "www.corp.com"))

	assert.Equal(t, 0, dnsDomainLevels("www"))
	assert.Equal(t, 2, dnsDomainLevels("www.corp.com"))
}

func TestShExpMatch(t *testing.T) {
	tests := []struct {
		str     string
		pattern string
		want    bool
	}{
		{"http://home.corp.com/people/index.html", "*/people/*", true},
		{"http://home.corp.com/index.html", "*/people/*", false},
		{"www.corp.com", "*.corp.com", true},
		{"corp.com", "*.corp.com", false},
		{"a1.corp", "a?.corp", true},
		{"a12.corp", "a?.corp", false},
		{"x+y.corp", "x+y.*", true},
	}
	for _, tt := range tests {
		t.Run(tt.str+" "+tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, shExpMatch(tt.str, tt.pattern))
		})
	}
}

func TestIsInNet(t *testing.T) {
	assert.True(t, isInNet("10.1.2.3", "10.0.0.0", "255.0.0.0"))
	assert.False(t, isInNet("11.1.2.3", "10.0.0.0", "255.0.0.0"))
	assert.True(t, isInNet("192.168.1.77", "192.168.1.0", "255.255.255.0"))
	assert.False(t, isInNet("not-an-ip", "10.0.0.0", "255.0.0.0"))

	assert.True(t, isInNetEx("10.1.2.3", "10.0.0.0/8"))
	assert.True(t, isInNetEx("fd00::1", "fd00::/8"))
	assert.False(t, isInNetEx("fe80::1", "fd00::/8"))
	assert.False(t, isInNetEx("10.1.2.3", "garbage"))
}

func TestSortIPAddressList(t *testing.T) {
	got := sortIPAddressList("10.2.0.1;fd00::2;10.1.0.1;fd00::1;junk")
	assert.Equal(t, "fd00::1;fd00::2;10.1.0.1;10.2.0.1", got)
}

func TestWeekdayRange(t *testing.T) {
	// Wednesday
	now := time.Date(2024, time.May, 15, 14, 30, 0, 0, time.UTC)

	assert.True(t, weekdayRange(now, []string{"MON", "FRI"}))
	assert.True(t, weekdayRange(now, []string{"WED"}))
	assert.False(t, weekdayRange(now, []string{"SAT", "SUN"}))
	assert.True(t, weekdayRange(now, []string{"SAT", "WED"}))
	assert.True(t, weekdayRange(now, []string{"MON", "FRI", "GMT"}))
	assert.False(t, weekdayRange(now, []string{"FOO"}))
	assert.False(t, weekdayRange(now, nil))
}

func TestTimeRange(t *testing.T) {
	now := time.Date(2024, time.May, 15, 14, 30, 15, 0, time.UTC)

	assert.True(t, timeRange(now, []string{"14"}))
	assert.False(t, timeRange(now, []string{"15"}))
	assert.True(t, timeRange(now, []string{"9", "17"}))
	assert.False(t, timeRange(now, []string{"9", "14"}))
	assert.True(t, timeRange(now, []string{"22", "15"}))
	assert.True(t, timeRange(now, []string{"14", "0", "14", "45"}))
	assert.False(t, timeRange(now, []string{"14", "31", "15", "0"}))
	assert.True(t, timeRange(now, []string{"14", "30", "0", "14", "30", "30"}))
	assert.False(t, timeRange(now, []string{"a"}))
}

func TestDateRange(t *testing.T) {
	now := time.Date(2024, time.May, 15, 12, 0, 0, 0, time.UTC)

	assert.True(t, dateRange(now, []string{"15"}))
	assert.True(t, dateRange(now, []string{"MAY"}))
	assert.True(t, dateRange(now, []string{"2024"}))
	assert.False(t, dateRange(now, []string{"JUN"}))
	assert.True(t, dateRange(now, []string{"1", "20"}))
	assert.True(t, dateRange(now, []string{"APR", "JUN"}))
	assert.True(t, dateRange(now, []string{"NOV", "JUN"}))
	assert.False(t, dateRange(now, []string{"JUN", "AUG"}))
	assert.True(t, dateRange(now, []string{"1", "MAY", "31", "MAY"}))
	assert.False(t, dateRange(now, []string{"16", "MAY", "31", "MAY"}))
	assert.True(t, dateRange(now, []string{"MAY", "2023", "JAN", "2025"}))
	assert.True(t, dateRange(now, []string{"1", "JAN", "2024", "31", "DEC", "2024"}))
	assert.False(t, dateRange(now, []string{"1", "JAN", "2025", "31", "DEC", "2025"}))
	assert.False(t, dateRange(now, []string{"MAY", "15"}))
	assert.False(t, dateRange(now, []string{"1", "2", "3"}))
}
