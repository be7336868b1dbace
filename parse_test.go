package lagoon

import "testing"

func TestExtractCode(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		ok      bool
	}{
		{"py fence", "Thought: add\n```py\nx = 1\n```", "x = 1", true},
		{"python fence", "```python\nprint(1)\n```", "print(1)", true},
		{"untagged fence", "```\ny = 2\n```", "y = 2", true},
		{"other language ignored", "```json\n{\"a\": 1}\n```", "", false},
		{"multiple blocks", "```py\na = 1\n```\nthen\n```py\nb = 2\n```", "a = 1\n\nb = 2", true},
		{"empty block", "```py\n\n```", "", false},
		{"no fence", "The answer is 4.", "", false},
		{"crlf", "```py\r\nx = 1\r\n```", "x = 1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractCode(tt.content)
			if ok != tt.ok || got != tt.want {
				t.Errorf("extractCode = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}
