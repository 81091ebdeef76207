package notify

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/LENAX/asset-flow/pkg/core/types"
)

// 订阅未配置模板时使用的默认模板
const (
	defaultSubjectTemplate = `[{{.event_type}}] {{with .workflow_type}}{{.}} {{end}}{{.instance_id}}`
	defaultBodyTemplate    = `事件: {{.event_type}}
{{with .workflow_type}}工作流: {{.}}
{{end}}{{with .instance_id}}实例: {{.}}
{{end}}{{with .step_name}}步骤: {{.}}
{{end}}{{with .error}}错误: {{.}}
{{end}}{{with .reason}}原因: {{.}}
{{end}}时间: {{.timestamp}}`
)

var (
	htmlTagPattern    = regexp.MustCompile(`<[a-zA-Z!/][^>]*>`)
	whitespacePattern = regexp.MustCompile(`[ \t\r\f\v]+`)
	blankLinePattern  = regexp.MustCompile(`\n{3,}`)
)

// Renderer 渲染通知模板，编译结果按模板文本缓存
type Renderer struct {
	cache *lru.Cache[string, *template.Template]
}

// NewRenderer 创建模板渲染器
func NewRenderer(cacheSize int) (*Renderer, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, *template.Template](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("创建模板缓存失败: %w", err)
	}
	return &Renderer{cache: cache}, nil
}

// Compile 校验模板语法
func (r *Renderer) Compile(text string) (*template.Template, error) {
	if tmpl, ok := r.cache.Get(text); ok {
		return tmpl, nil
	}
	tmpl, err := template.New("notification").Option("missingkey=zero").Parse(text)
	if err != nil {
		return nil, types.NewValidationError("notify.template", fmt.Sprintf("模板无效: %v", err))
	}
	r.cache.Add(text, tmpl)
	return tmpl, nil
}

// Render 用数据渲染模板；不含模板动作的文本原样返回
func (r *Renderer) Render(text string, data map[string]any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := r.Compile(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", types.NewPermanentError("notify.render", fmt.Errorf("渲染模板失败: %w", err))
	}
	return strings.ReplaceAll(buf.String(), "<no value>", ""), nil
}

// IsHTML 粗略判断正文是否为HTML
func IsHTML(body string) bool {
	return htmlTagPattern.MatchString(body)
}

// PlainText 将HTML正文转为纯文本，短信等渠道使用
func PlainText(body string) string {
	if !IsHTML(body) {
		return strings.TrimSpace(body)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return strings.TrimSpace(htmlTagPattern.ReplaceAllString(body, " "))
	}
	doc.Find("script, style, head").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find("p, div, li, tr, h1, h2, h3, h4").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	text := doc.Text()
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(whitespacePattern.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankLinePattern.ReplaceAllString(text, "\n\n"))
}

// truncateRunes 按字符截断
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}
