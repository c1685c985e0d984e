package broker

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestParsingTaskRoundTrip(t *testing.T) {
	maxPrice := 50.0
	task := &ParsingTask{
		TaskID:   42,
		ItemName: "AK-47 | Redline",
		AppID:    730,
		Currency: 1,
	}
	task.Filters.ItemName = task.ItemName
	task.Filters.MaxPrice = &maxPrice

	body, err := task.Encode()
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := DecodeParsingTask(body)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != TypeParsingTask {
		t.Fatalf("type = %q, want %q", decoded.Type, TypeParsingTask)
	}
	if decoded.TaskID != 42 || decoded.ItemName != "AK-47 | Redline" {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
	if decoded.Filters.MaxPrice == nil || *decoded.Filters.MaxPrice != 50.0 {
		t.Fatalf("filters lost in transit: %+v", decoded.Filters)
	}
}

func TestDecodeStringWrappedFilters(t *testing.T) {
	// Some producers historically double-encoded filters_json.
	body := []byte(`{"type":"parsing_task","task_id":7,"item_name":"x","appid":730,"currency":1,` +
		`"filters_json":"{\"item_name\":\"x\",\"max_price\":10}"}`)
	decoded, err := DecodeParsingTask(body)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Filters.MaxPrice == nil || *decoded.Filters.MaxPrice != 10 {
		t.Fatalf("string-wrapped filters did not decode: %+v", decoded.Filters)
	}
}

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{3, 480 * time.Second},
		{4, 600 * time.Second},
		{10, 600 * time.Second},
	}
	for _, c := range cases {
		if got := RetryDelay(c.retry); got != c.want {
			t.Errorf("RetryDelay(%d) = %s, want %s", c.retry, got, c.want)
		}
	}
}

func TestDeliveryRetryCount(t *testing.T) {
	cases := []struct {
		headers amqp.Table
		want    int
	}{
		{nil, 0},
		{amqp.Table{HeaderRetryCount: int32(3)}, 3},
		{amqp.Table{HeaderRetryCount: int64(5)}, 5},
		{amqp.Table{HeaderRetryCount: "garbage"}, 0},
	}
	for _, c := range cases {
		d := amqp.Delivery{Headers: c.headers}
		if got := DeliveryRetryCount(&d); got != c.want {
			t.Errorf("DeliveryRetryCount(%v) = %d, want %d", c.headers, got, c.want)
		}
	}
}
