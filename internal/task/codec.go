package task

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	xerrors "FormationHub/internal/errors"
)

// timestampLayout 是写入的定宽 UTC 文本格式，文本序与时间序一致。
const timestampLayout = "2006-01-02 15:04:05.000000000"

var timestampParseLayouts = []string{
	timestampLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// encodeResults 将 results 编码为规范 JSON；空映射写为 NULL。
// encoding/json 对 map 键排序，因此同一映射总是得到同一段文本。
// 读回时无法得到相同值的内容（非 UTF-8 字符串、float64 无法精确表示的整数）在写入前拒绝。
func encodeResults(results map[string]any) (sql.NullString, error) {
	if len(results) == 0 {
		return sql.NullString{}, nil
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		return sql.NullString{}, xerrors.Wrap(xerrors.CodeSerialization, err, "编码任务 results 失败")
	}
	if err := checkUTF8(reflect.ValueOf(results), "results"); err != nil {
		return sql.NullString{}, err
	}
	if err := checkNumbers(encoded); err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(encoded), Valid: true}, nil
}

var jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()

// checkUTF8 拒绝非 UTF-8 字符串，encoding/json 会把它们静默替换为 U+FFFD。
func checkUTF8(v reflect.Value, path string) error {
	if !v.IsValid() {
		return nil
	}
	if v.Type().Implements(jsonMarshalerType) && v.Kind() != reflect.Interface {
		return nil
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		return checkUTF8(v.Elem(), path)
	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return xerrors.New(xerrors.CodeSerialization, "results 含有非 UTF-8 字符串",
				xerrors.WithMetadata("path", path))
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			key := iter.Key()
			name := fmt.Sprint(key.Interface())
			if key.Kind() == reflect.String && !utf8.ValidString(key.String()) {
				return xerrors.New(xerrors.CodeSerialization, "results 含有非 UTF-8 键",
					xerrors.WithMetadata("path", path))
			}
			if err := checkUTF8(iter.Value(), path+"."+name); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := checkUTF8(v.Index(i), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if !v.Type().Field(i).IsExported() {
				continue
			}
			if err := checkUTF8(v.Field(i), path+"."+v.Type().Field(i).Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkNumbers 确认编码后的每个数字读回为 float64 时保持原值。
func checkNumbers(encoded []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return xerrors.Wrap(xerrors.CodeSerialization, err, "校验任务 results 失败")
	}
	return walkNumbers(value)
}

func walkNumbers(value any) error {
	switch v := value.(type) {
	case map[string]any:
		for _, item := range v {
			if err := walkNumbers(item); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range v {
			if err := walkNumbers(item); err != nil {
				return err
			}
		}
	case json.Number:
		if !exactAsFloat(string(v)) {
			return xerrors.New(xerrors.CodeSerialization, "results 中的数字超出 float64 精度",
				xerrors.WithMetadata("number", string(v)))
		}
	}
	return nil
}

// exactAsFloat 判断数字字面量转换为 float64 后是否无损。
// 非整数字面量由 encoding/json 按最短表示输出，本身可以精确读回。
func exactAsFloat(literal string) bool {
	f, err := strconv.ParseFloat(literal, 64)
	if err != nil || math.IsInf(f, 0) {
		return false
	}
	exact, ok := new(big.Int).SetString(literal, 10)
	if !ok {
		return true
	}
	truncated, _ := new(big.Float).SetFloat64(f).Int(nil)
	return truncated.Cmp(exact) == 0
}

// decodeResults 总是返回非 nil 的映射。
func decodeResults(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return map[string]any{}, nil
	}
	decoder := json.NewDecoder(bytes.NewReader([]byte(raw.String)))
	var results map[string]any
	if err := decoder.Decode(&results); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSerialization, err, "解析任务 results 失败")
	}
	if results == nil {
		results = map[string]any{}
	}
	return results, nil
}

func formatTimestamp(ts time.Time) string {
	return ts.UTC().Format(timestampLayout)
}

func parseTimestamp(raw sql.NullString) (time.Time, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return time.Time{}, nil
	}
	for _, layout := range timestampParseLayouts {
		if ts, err := time.Parse(layout, raw.String); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("无法识别的时间格式 %q", raw.String)
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
