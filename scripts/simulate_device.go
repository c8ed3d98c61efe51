package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"
)

// Simulates one field device: register, heartbeat, upload a clip, then watch
// the capture until it reaches a terminal state.
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Coordinator base URL")
	token := flag.String("token", "", "Bearer token")
	deviceID := flag.String("device", "CHIRP-SIM-000001", "Device id")
	flag.Parse()

	if *token == "" {
		log.Fatal("❌ a -token is required")
	}
	client := &http.Client{Timeout: 10 * time.Second}

	fmt.Printf("🐦 Device Starting: %s\n", *deviceID)

	// 1. Register
	fmt.Println("📡 Registering with the coordinator...")
	post(client, *baseURL+"/v1/devices/register", *token, map[string]interface{}{
		"device_id": *deviceID, "firmware_version": "1.0.0-sim", "model": "ReSpeaker-Lite",
	})
	fmt.Println("✅ Device registered.")

	// 2. Heartbeat
	post(client, *baseURL+"/v1/devices/"+*deviceID+"/heartbeat", *token, map[string]interface{}{
		"battery_voltage": 3.92, "rssi": -58,
	})
	fmt.Println("💓 Heartbeat sent.")

	// 3. Upload one synthetic clip
	seq := time.Now().Unix()
	fmt.Printf("\n🎙️  Uploading capture (seq=%d)...\n", seq)
	captureID := uploadClip(client, *baseURL, *token, *deviceID, seq)
	fmt.Printf("🎟️  Capture accepted: %s\n", captureID)

	// 4. Watch it to a terminal state
	for i := 0; i < 60; i++ {
		time.Sleep(time.Second)
		req, _ := http.NewRequest("GET", *baseURL+"/v1/captures/"+captureID, nil)
		req.Header.Set("Authorization", "Bearer "+*token)
		resp, err := client.Do(req)
		if err != nil {
			log.Fatalf("❌ poll failed: %v", err)
		}
		var body map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()

		status, _ := body["status"].(string)
		fmt.Printf("⏳ status=%s\n", status)
		if status == "processed" {
			if sp, ok := body["species"].(map[string]interface{}); ok {
				fmt.Printf("\n✅ Identified: %s (%s), confidence %.2f\n",
					sp["common_name"], sp["scientific_name"], body["confidence"])
			}
			return
		}
		if status == "failed" {
			log.Fatalf("❌ capture failed: %v", body["failure_reason"])
		}
	}
	log.Fatal("❌ capture never reached a terminal state")
}

func post(client *http.Client, url, token string, body map[string]interface{}) {
	payload, _ := json.Marshal(body)
	req, _ := http.NewRequest("POST", url, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("❌ POST %s: %v", url, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Fatalf("❌ POST %s: status %d", url, resp.StatusCode)
	}
}

func uploadClip(client *http.Client, baseURL, token, deviceID string, seq int64) string {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="audio_file"; filename="clip.wav"`)
	hdr.Set("Content-Type", "audio/wav")
	part, _ := mw.CreatePart(hdr)
	fmt.Fprintf(part, "RIFF-simulated-clip-%d", seq)
	mw.WriteField("device_id", deviceID)
	mw.WriteField("device_sequence", fmt.Sprintf("%d", seq))
	mw.Close()

	req, _ := http.NewRequest("POST", baseURL+"/v1/captures", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("❌ upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		log.Fatalf("❌ upload: status %d", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	return body["capture_id"]
}
