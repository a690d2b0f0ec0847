package engine

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// shimJS installs the Fetch-API-shaped classes the render contract depends
// on (Headers, Request, Response, URL, URLSearchParams), byte plumbing
// (TextEncoder/TextDecoder, atob/btoa, ReadableStream, Readable), console
// capture, and queueMicrotask. It is deliberately a subset of the full Web
// platform: just enough surface for a server-side render function.
const shimJS = `
(function() {

globalThis.queueMicrotask = globalThis.queueMicrotask || function(fn) {
	Promise.resolve().then(fn);
};

// --- base64 (binary strings) ---

var B64_ALPHA = 'ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/';
globalThis.btoa = globalThis.btoa || function(input) {
	var out = '', i = 0;
	input = String(input);
	while (i < input.length) {
		var a = input.charCodeAt(i++), b = input.charCodeAt(i++), c = input.charCodeAt(i++);
		if (a > 255 || b > 255 || c > 255) throw new TypeError('btoa: character out of range');
		var triplet = (a << 16) | ((b || 0) << 8) | (c || 0);
		out += B64_ALPHA[(triplet >> 18) & 63] + B64_ALPHA[(triplet >> 12) & 63];
		out += isNaN(b) ? '=' : B64_ALPHA[(triplet >> 6) & 63];
		out += isNaN(c) ? '=' : B64_ALPHA[triplet & 63];
	}
	return out;
};
globalThis.atob = globalThis.atob || function(input) {
	input = String(input).replace(/=+$/, '');
	if (input.length % 4 === 1) throw new TypeError('atob: invalid input length');
	var out = '', bits = 0, acc = 0;
	for (var i = 0; i < input.length; i++) {
		var idx = B64_ALPHA.indexOf(input[i]);
		if (idx === -1) throw new TypeError('atob: invalid character');
		acc = (acc << 6) | idx;
		bits += 6;
		if (bits >= 8) {
			bits -= 8;
			out += String.fromCharCode((acc >> bits) & 255);
		}
	}
	return out;
};

// --- TextEncoder / TextDecoder (UTF-8 only) ---

class TextEncoder {
	get encoding() { return 'utf-8'; }
	encode(str) {
		str = str === undefined ? '' : String(str);
		var bytes = [];
		for (var i = 0; i < str.length; i++) {
			var cp = str.codePointAt(i);
			if (cp > 0xFFFF) i++;
			if (cp < 0x80) {
				bytes.push(cp);
			} else if (cp < 0x800) {
				bytes.push(0xC0 | (cp >> 6), 0x80 | (cp & 63));
			} else if (cp < 0x10000) {
				bytes.push(0xE0 | (cp >> 12), 0x80 | ((cp >> 6) & 63), 0x80 | (cp & 63));
			} else {
				bytes.push(0xF0 | (cp >> 18), 0x80 | ((cp >> 12) & 63), 0x80 | ((cp >> 6) & 63), 0x80 | (cp & 63));
			}
		}
		return new Uint8Array(bytes);
	}
}

class TextDecoder {
	constructor(label) {
		var enc = (label || 'utf-8').toLowerCase();
		if (enc !== 'utf-8' && enc !== 'utf8') throw new RangeError('unsupported encoding: ' + label);
		this._pending = [];
	}
	get encoding() { return 'utf-8'; }
	decode(input, opts) {
		var bytes = this._pending;
		this._pending = [];
		if (input !== undefined && input !== null) {
			var view;
			if (input instanceof ArrayBuffer) view = new Uint8Array(input);
			else if (ArrayBuffer.isView(input)) view = new Uint8Array(input.buffer, input.byteOffset, input.byteLength);
			else throw new TypeError('decode: expected BufferSource');
			for (var i = 0; i < view.length; i++) bytes.push(view[i]);
		}
		var streaming = !!(opts && opts.stream);
		var out = '', pos = 0;
		while (pos < bytes.length) {
			var b0 = bytes[pos];
			var need;
			if (b0 < 0x80) need = 0;
			else if ((b0 & 0xE0) === 0xC0) need = 1;
			else if ((b0 & 0xF0) === 0xE0) need = 2;
			else if ((b0 & 0xF8) === 0xF0) need = 3;
			else { out += '�'; pos += 1; continue; }
			if (need === 0) {
				out += String.fromCharCode(b0);
				pos += 1;
				continue;
			}
			if (pos + need >= bytes.length) {
				// Incomplete sequence at the tail.
				if (streaming) break;
				out += '�';
				pos += 1;
				continue;
			}
			var cp = b0 & (need === 1 ? 0x1F : need === 2 ? 0x0F : 0x07);
			var ok = true;
			for (var j = 1; j <= need; j++) {
				var bj = bytes[pos + j];
				if ((bj & 0xC0) !== 0x80) { ok = false; break; }
				cp = (cp << 6) | (bj & 63);
			}
			if (!ok) { out += '�'; pos += 1; continue; }
			out += String.fromCodePoint(cp);
			pos += need + 1;
		}
		this._pending = streaming ? bytes.slice(pos) : [];
		return out;
	}
}
globalThis.TextEncoder = TextEncoder;
globalThis.TextDecoder = TextDecoder;

// --- console capture ---

function formatArg(a) {
	if (typeof a === 'string') return a;
	if (a === undefined) return 'undefined';
	if (a === null) return 'null';
	if (a instanceof Error) return String(a.stack || a.message || a);
	try { return JSON.stringify(a); } catch (e) { return String(a); }
}
function makeLog(level) {
	return function() {
		var parts = [];
		for (var i = 0; i < arguments.length; i++) parts.push(formatArg(arguments[i]));
		__console(level, parts.join(' '));
	};
}
globalThis.console = {
	log: makeLog('log'),
	info: makeLog('info'),
	warn: makeLog('warn'),
	error: makeLog('error'),
	debug: makeLog('debug'),
};

// --- Headers ---

class Headers {
	constructor(init) {
		this._map = {};
		this._order = [];
		if (init) {
			if (init instanceof Headers) {
				for (const [k, v] of init.entries()) this.append(k, v);
			} else if (Array.isArray(init)) {
				for (const pair of init) this.append(pair[0], pair[1]);
			} else {
				for (const k of Object.keys(init)) this.set(k, init[k]);
			}
		}
	}
	get(name) {
		const vals = this._map[String(name).toLowerCase()];
		return vals ? vals.join(', ') : null;
	}
	set(name, value) {
		const key = String(name).toLowerCase();
		if (!(key in this._map)) this._order.push(key);
		this._map[key] = [String(value)];
	}
	append(name, value) {
		const key = String(name).toLowerCase();
		if (!(key in this._map)) { this._map[key] = []; this._order.push(key); }
		this._map[key].push(String(value));
	}
	has(name) { return String(name).toLowerCase() in this._map; }
	delete(name) {
		const key = String(name).toLowerCase();
		delete this._map[key];
		this._order = this._order.filter(function(k) { return k !== key; });
	}
	forEach(cb) { for (const [k, v] of this.entries()) cb(v, k, this); }
	entries() {
		const map = this._map;
		return this._order.map(function(k) { return [k, map[k].join(', ')]; })[Symbol.iterator]();
	}
	keys() { return this._order.slice()[Symbol.iterator](); }
	values() {
		const map = this._map;
		return this._order.map(function(k) { return map[k].join(', '); })[Symbol.iterator]();
	}
	[Symbol.iterator]() { return this.entries(); }
	get [Symbol.toStringTag]() { return 'Headers'; }
}
globalThis.Headers = Headers;

// --- URL / URLSearchParams ---

class URLSearchParams {
	constructor(init) {
		this._entries = [];
		if (typeof init === 'string') {
			const s = init.startsWith('?') ? init.slice(1) : init;
			if (s) {
				for (const pair of s.split('&')) {
					const eq = pair.indexOf('=');
					const k = eq === -1 ? pair : pair.slice(0, eq);
					const v = eq === -1 ? '' : pair.slice(eq + 1);
					this._entries.push([
						decodeURIComponent(k.replace(/\+/g, '%20')),
						decodeURIComponent(v.replace(/\+/g, '%20')),
					]);
				}
			}
		} else if (Array.isArray(init)) {
			for (const pair of init) this._entries.push([String(pair[0]), String(pair[1])]);
		} else if (init && typeof init === 'object') {
			for (const k of Object.keys(init)) this._entries.push([k, String(init[k])]);
		}
	}
	get(name) {
		const e = this._entries.find(function(p) { return p[0] === name; });
		return e ? e[1] : null;
	}
	getAll(name) {
		return this._entries.filter(function(p) { return p[0] === name; }).map(function(p) { return p[1]; });
	}
	has(name) { return this._entries.some(function(p) { return p[0] === name; }); }
	get size() { return this._entries.length; }
	toString() {
		return this._entries.map(function(p) {
			return encodeURIComponent(p[0]) + '=' + encodeURIComponent(p[1]);
		}).join('&');
	}
	forEach(cb) { for (const [k, v] of this._entries) cb(v, k, this); }
	entries() { return this._entries[Symbol.iterator](); }
	[Symbol.iterator]() { return this.entries(); }
}
globalThis.URLSearchParams = URLSearchParams;

class URL {
	constructor(input, base) {
		const parsed = JSON.parse(__parse_url(String(input), base === undefined ? '' : String(base)));
		if (parsed.error) throw new TypeError(parsed.error);
		this.href = parsed.href;
		this.protocol = parsed.protocol;
		this.host = parsed.host;
		this.hostname = parsed.hostname;
		this.port = parsed.port;
		this.pathname = parsed.pathname;
		this.search = parsed.search;
		this.hash = parsed.hash;
		this.origin = parsed.origin;
		this.searchParams = new URLSearchParams(this.search);
	}
	toString() { return this.href; }
	toJSON() { return this.href; }
	get [Symbol.toStringTag]() { return 'URL'; }
}
globalThis.URL = URL;

// --- ReadableStream (pull-based subset) ---

class ReadableStreamDefaultController {
	constructor(stream) { this._stream = stream; }
	enqueue(chunk) {
		if (this._stream._closed) throw new TypeError('cannot enqueue after close');
		this._stream._queue.push(chunk);
		this._stream._notify();
	}
	close() {
		this._stream._closed = true;
		this._stream._notify();
	}
	error(e) {
		this._stream._errored = true;
		this._stream._error = e;
		this._stream._notify();
	}
	get desiredSize() { return this._stream._queue.length > 0 ? 0 : 1; }
}

class ReadableStreamDefaultReader {
	constructor(stream) {
		if (stream._locked) throw new TypeError('ReadableStream is already locked');
		stream._locked = true;
		this._stream = stream;
	}
	read() {
		const stream = this._stream;
		if (stream._queue.length > 0) {
			return Promise.resolve({ value: stream._queue.shift(), done: false });
		}
		if (stream._errored) return Promise.reject(stream._error);
		if (stream._closed) return Promise.resolve({ value: undefined, done: true });
		const self = this;
		return new Promise(function(resolve, reject) {
			stream._waiters.push(function() {
				if (stream._queue.length > 0) {
					resolve({ value: stream._queue.shift(), done: false });
				} else if (stream._errored) {
					reject(stream._error);
				} else if (stream._closed) {
					resolve({ value: undefined, done: true });
				} else {
					self.read().then(resolve, reject);
				}
			});
			stream._pump();
		});
	}
	releaseLock() { this._stream._locked = false; }
	cancel(reason) { return this._stream.cancel(reason); }
}

class ReadableStream {
	constructor(underlyingSource) {
		this._queue = [];
		this._closed = false;
		this._errored = false;
		this._error = null;
		this._locked = false;
		this._waiters = [];
		this._pulling = false;
		this._controller = new ReadableStreamDefaultController(this);
		this._pullFn = null;
		this._cancelFn = null;
		if (underlyingSource) {
			if (typeof underlyingSource.pull === 'function') {
				this._pullFn = underlyingSource.pull.bind(underlyingSource);
			}
			if (typeof underlyingSource.cancel === 'function') {
				this._cancelFn = underlyingSource.cancel.bind(underlyingSource);
			}
			if (typeof underlyingSource.start === 'function') {
				underlyingSource.start(this._controller);
			}
		}
	}
	get locked() { return this._locked; }
	getReader() { return new ReadableStreamDefaultReader(this); }
	cancel(reason) {
		this._closed = true;
		this._queue = [];
		this._notify();
		if (this._cancelFn) {
			try { return Promise.resolve(this._cancelFn(reason)); } catch (e) { return Promise.reject(e); }
		}
		return Promise.resolve();
	}
	_notify() {
		const ws = this._waiters;
		this._waiters = [];
		for (var i = 0; i < ws.length; i++) queueMicrotask(ws[i]);
	}
	_pump() {
		if (!this._pullFn || this._pulling || this._closed || this._errored) return;
		this._pulling = true;
		const self = this;
		queueMicrotask(function() {
			self._pulling = false;
			if (self._closed || self._errored) return;
			try {
				const r = self._pullFn(self._controller);
				if (r && typeof r.then === 'function') {
					r.then(function() {
						if (self._waiters.length > 0 && self._queue.length === 0) self._pump();
					}, function(e) { self._controller.error(e); });
				} else if (self._waiters.length > 0 && self._queue.length === 0) {
					self._pump();
				}
			} catch (e) {
				self._controller.error(e);
			}
		});
	}
}
globalThis.ReadableStream = ReadableStream;

// --- Readable (runtime-native, node-flavoured pull source) ---

class Readable {
	constructor(opts) {
		this._queue = [];
		this._ended = false;
		this._destroyed = false;
		this._waiters = [];
		this._readFn = opts && typeof opts.read === 'function' ? opts.read.bind(this) : null;
	}
	push(chunk) {
		if (this._destroyed) return false;
		if (chunk === null) { this._ended = true; this._notify(); return false; }
		this._queue.push(chunk);
		this._notify();
		return true;
	}
	read() { return this._queue.length > 0 ? this._queue.shift() : null; }
	destroy() {
		this._destroyed = true;
		this._ended = true;
		this._queue = [];
		this._notify();
	}
	_notify() {
		const ws = this._waiters;
		this._waiters = [];
		for (var i = 0; i < ws.length; i++) queueMicrotask(ws[i]);
	}
	// _next is the pull adapter the host uses; it mirrors a reader.read()
	// result so both stream flavours feed the same Go-side loop.
	_next() {
		if (this._queue.length > 0) return Promise.resolve({ done: false, value: this._queue.shift() });
		if (this._ended) return Promise.resolve({ done: true });
		const self = this;
		return new Promise(function(resolve) {
			self._waiters.push(function() { resolve(self._next()); });
			if (self._readFn) { try { self._readFn(); } catch (e) {} }
		});
	}
}
globalThis.Readable = Readable;

// --- Request / Response ---

function bodyToText(body) {
	if (body === null || body === undefined) return Promise.resolve('');
	if (typeof body === 'string') return Promise.resolve(body);
	if (body instanceof ArrayBuffer || ArrayBuffer.isView(body)) {
		return Promise.resolve(new TextDecoder().decode(body));
	}
	if (body instanceof ReadableStream) {
		const reader = body.getReader();
		const dec = new TextDecoder();
		let out = '';
		function step() {
			return reader.read().then(function(r) {
				if (r.done) return out + dec.decode();
				out += typeof r.value === 'string' ? r.value : dec.decode(r.value, { stream: true });
				return step();
			});
		}
		return step();
	}
	if (body instanceof Readable) {
		const dec = new TextDecoder();
		let out = '';
		function pull() {
			return body._next().then(function(r) {
				if (r.done) return out + dec.decode();
				out += typeof r.value === 'string' ? r.value : dec.decode(r.value, { stream: true });
				return pull();
			});
		}
		return pull();
	}
	return Promise.resolve(String(body));
}

class Request {
	constructor(input, init) {
		init = init || {};
		this._bodyUsed = false;
		if (input instanceof Request) {
			this.url = input.url;
			this.method = input.method;
			this.headers = new Headers(input.headers);
			this._body = input._body;
		} else {
			this.url = String(input);
			this.method = 'GET';
			this.headers = new Headers();
			this._body = null;
		}
		if (init.method) this.method = String(init.method).toUpperCase();
		if (init.headers) this.headers = new Headers(init.headers);
		if (init.body !== undefined) this._body = init.body;
		if (this._body !== null && (this.method === 'GET' || this.method === 'HEAD')) {
			throw new TypeError('Request with GET/HEAD method cannot have body.');
		}
	}
	get bodyUsed() { return this._bodyUsed; }
	get body() {
		if (this._body === null || this._body === undefined) return null;
		if (this._body instanceof ReadableStream) return this._body;
		const content = this._body;
		this._body = new ReadableStream({
			start(controller) {
				controller.enqueue(typeof content === 'string' ? new TextEncoder().encode(content) : content);
				controller.close();
			}
		});
		return this._body;
	}
	text() {
		if (this._bodyUsed) return Promise.reject(new TypeError('body already consumed'));
		this._bodyUsed = true;
		return bodyToText(this._body);
	}
	json() { return this.text().then(JSON.parse); }
	arrayBuffer() {
		return this.text().then(function(t) { return new TextEncoder().encode(t).buffer; });
	}
	clone() { return new Request(this); }
	get [Symbol.toStringTag]() { return 'Request'; }
}
globalThis.Request = Request;

class Response {
	constructor(body, init) {
		init = init || {};
		this._body = body === undefined ? null : body;
		this._bodyUsed = false;
		this.status = init.status !== undefined ? init.status : 200;
		if (this.status !== 0 && (this.status < 200 || this.status > 599)) {
			throw new RangeError('invalid status code: ' + this.status);
		}
		this.statusText = init.statusText || '';
		this.headers = new Headers(init.headers);
		this.url = init.url || '';
	}
	get ok() { return this.status >= 200 && this.status < 300; }
	get bodyUsed() { return this._bodyUsed; }
	get body() {
		if (this._body === null || this._body === undefined) return null;
		if (this._body instanceof ReadableStream) return this._body;
		if (this._body instanceof Readable) return this._body;
		const content = this._body;
		this._body = new ReadableStream({
			start(controller) {
				controller.enqueue(typeof content === 'string' ? new TextEncoder().encode(content) : content);
				controller.close();
			}
		});
		return this._body;
	}
	text() {
		if (this._bodyUsed) return Promise.reject(new TypeError('body already consumed'));
		this._bodyUsed = true;
		return bodyToText(this._body);
	}
	json() { return this.text().then(JSON.parse); }
	clone() {
		return new Response(this._body, {
			status: this.status,
			statusText: this.statusText,
			headers: this.headers,
			url: this.url,
		});
	}
	static json(data, init) {
		init = init || {};
		const headers = new Headers(init.headers);
		if (!headers.has('content-type')) headers.set('content-type', 'application/json');
		return new Response(JSON.stringify(data), { status: init.status, statusText: init.statusText, headers: headers });
	}
	get [Symbol.toStringTag]() { return 'Response'; }
}
globalThis.Response = Response;

})();
`

// bootstrap registers the Go-backed helpers and evaluates the shim. baseDir
// becomes the root for module-source reads; script code cannot escape it.
func (r *Runtime) bootstrap(baseDir string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base directory: %w", err)
	}

	if err := r.RegisterFunc("__console", func(level, message string) {
		if r.consoleSink != nil {
			r.consoleSink(level, message)
		}
	}); err != nil {
		return fmt.Errorf("registering __console: %w", err)
	}

	if err := r.RegisterFunc("__parse_url", func(input, base string) string {
		return parseURLJSON(input, base)
	}); err != nil {
		return fmt.Errorf("registering __parse_url: %w", err)
	}

	if err := r.RegisterFunc("__read_module", func(rel string) (string, error) {
		return readModuleSource(absBase, rel)
	}); err != nil {
		return fmt.Errorf("registering __read_module: %w", err)
	}

	if err := r.Eval(shimJS); err != nil {
		return fmt.Errorf("evaluating shim: %w", err)
	}
	if err := r.setupTimers(); err != nil {
		return err
	}
	return r.SetGlobal("__basedir", absBase)
}

// readModuleSource reads a module source file relative to the base working
// directory, rejecting paths that escape it.
func readModuleSource(baseDir, rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("module path contains null byte")
	}
	full := filepath.Join(baseDir, filepath.FromSlash(rel))
	clean := filepath.Clean(full)
	if clean != baseDir && !strings.HasPrefix(clean, baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("module path %q escapes base directory", rel)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return "", fmt.Errorf("reading module %q: %w", rel, err)
	}
	return string(data), nil
}

// parseURLJSON parses input (optionally against base) with net/url and
// returns the components as JSON for the JS URL class.
func parseURLJSON(input, base string) string {
	fail := func(msg string) string {
		out, _ := json.Marshal(map[string]string{"error": msg})
		return string(out)
	}

	var u *url.URL
	var err error
	if base != "" {
		var b *url.URL
		b, err = url.Parse(base)
		if err == nil {
			u, err = b.Parse(input)
		}
	} else {
		u, err = url.Parse(input)
	}
	if err != nil {
		return fail(fmt.Sprintf("invalid URL: %s", err))
	}
	if u.Scheme == "" {
		return fail(fmt.Sprintf("invalid URL: %q is missing a scheme", input))
	}

	pathname := u.EscapedPath()
	if pathname == "" {
		pathname = "/"
	}
	search := ""
	if u.RawQuery != "" {
		search = "?" + u.RawQuery
	}
	hash := ""
	if u.Fragment != "" {
		hash = "#" + u.Fragment
	}
	origin := u.Scheme + "://" + u.Host

	out, _ := json.Marshal(map[string]string{
		"href":     u.String(),
		"protocol": u.Scheme + ":",
		"host":     u.Host,
		"hostname": u.Hostname(),
		"port":     u.Port(),
		"pathname": pathname,
		"search":   search,
		"hash":     hash,
		"origin":   origin,
	})
	return string(out)
}
