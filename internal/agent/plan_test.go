package agent

import "testing"

func TestParsePlan(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Decision
	}{
		{
			name: "plain json",
			raw:  `{"reply":"checking","tool":{"kind":"read_shell","command":"df -h","reason":"disk"}}`,
			want: Decision{Reply: "checking", Kind: ToolReadShell, Requested: ToolReadShell, Command: "df -h", Reason: "disk"},
		},
		{
			name: "empty command forces none",
			raw:  `{"reply":"ok","tool":{"kind":"read_shell","command":"","reason":"x"}}`,
			want: Decision{Reply: "ok", Kind: ToolNone, Requested: ToolReadShell, Reason: "x"},
		},
		{
			name: "fenced with prose",
			raw:  "Sure.\n```json\n{\"reply\":\"restart it\",\"tool\":{\"kind\":\" Write_Shell \",\"command\":\"systemctl restart nginx\"}}\n```",
			want: Decision{Reply: "restart it", Kind: ToolWriteShell, Requested: ToolWriteShell, Command: "systemctl restart nginx"},
		},
		{
			name: "braces inside strings",
			raw:  `note {not json} {"reply":"use {} and \"}\" carefully","tool":{"kind":"none","command":""}}`,
			want: Decision{Reply: `use {} and "}" carefully`, Kind: ToolNone, Requested: ToolNone},
		},
		{
			name: "unknown kind",
			raw:  `{"reply":"hm","tool":{"kind":"delete_everything","command":"rm -rf /"}}`,
			want: Decision{Reply: "hm", Kind: ToolNone, Requested: ToolNone, Command: "rm -rf /"},
		},
		{
			name: "reply only",
			raw:  `{"reply":"all good"}`,
			want: Decision{Reply: "all good", Kind: ToolNone, Requested: ToolNone},
		},
		{
			name: "no json",
			raw:  "  The server looks healthy.  ",
			want: Decision{Reply: "The server looks healthy.", Kind: ToolNone, Requested: ToolNone},
		},
		{
			name: "unrelated object",
			raw:  `{"answer":42}`,
			want: Decision{Reply: `{"answer":42}`, Kind: ToolNone, Requested: ToolNone},
		},
		{
			name: "unbalanced",
			raw:  `{"reply":"x"`,
			want: Decision{Reply: `{"reply":"x"`, Kind: ToolNone, Requested: ToolNone},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParsePlan(tc.raw); got != tc.want {
				t.Errorf("ParsePlan() = %+v\nwant %+v", got, tc.want)
			}
		})
	}
}

func TestIsMutating(t *testing.T) {
	cases := []struct {
		cmd  string
		want bool
	}{
		{"df -h", false},
		{"ls -la /var/log", false},
		{"cat /etc/os-release | grep VERSION", false},
		{"systemctl status nginx", false},
		{"journalctl -u nginx 2>&1 | tail -n 50", false},
		{"grep -r error /var/log > /dev/null", false},
		{"echo 'a > b'", false},
		{"docker ps", false},
		{"git log --oneline", false},
		{"rm -rf /tmp/cache", true},
		{"sudo reboot", true},
		{"sudo -u root rm /etc/x", true},
		{"systemctl restart nginx", true},
		{"df -h && systemctl stop nginx", true},
		{"apt-get install -y htop", true},
		{"echo hi > /etc/motd", true},
		{"echo hi >> notes.txt", true},
		{"sed -i 's/a/b/' file", true},
		{"sed 's/a/b/' file", false},
		{"FOO=1 timeout 5 kill 123", true},
		{"/usr/bin/chmod 600 key", true},
		{"kubectl get pods", false},
		{"kubectl delete pod web-1", true},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsMutating(tc.cmd); got != tc.want {
			t.Errorf("IsMutating(%q) = %v, want %v", tc.cmd, got, tc.want)
		}
	}
}
